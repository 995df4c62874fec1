package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"loomchat/backend/internal/auth"
	"loomchat/backend/internal/model"
	"loomchat/backend/internal/provider"
	"loomchat/backend/internal/store"
	"loomchat/backend/internal/store/local"
	"loomchat/backend/internal/telemetry"
)

// stubStreamer replays fragments and then returns err.
type stubStreamer struct {
	fragments []provider.Fragment
	err       error
	lastReq   provider.Request
}

func (s *stubStreamer) StreamChat(_ context.Context, req provider.Request, emit func(provider.Fragment) error) error {
	s.lastReq = req
	for _, fragment := range s.fragments {
		if err := emit(fragment); err != nil {
			return err
		}
	}
	return s.err
}

func newChatHandler(t *testing.T, streamer provider.Streamer) (Handler, *store.Service, store.Principal) {
	t.Helper()

	localStore, err := local.OpenMemory()
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}
	t.Cleanup(func() { localStore.Close() })

	data := store.NewService(nil, localStore, nil)
	principal := store.Principal{ProfileID: "profile-1"}
	if err := data.CreateThread(context.Background(), principal, store.Thread{ID: "t-1", Title: "chat"}); err != nil {
		t.Fatalf("create thread: %v", err)
	}

	streamers := map[model.Provider]provider.Streamer{
		model.ProviderGoogle:     streamer,
		model.ProviderOpenAI:     streamer,
		model.ProviderOpenRouter: streamer,
	}
	h := NewHandler(testConfig(), nil, auth.NewVerifier(testConfig()), data, nil, model.NewRegistry(), streamers, telemetry.New())
	return h, data, principal
}

func chatRequest(t *testing.T, principal store.Principal, body string, headers map[string]string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	ctx := context.WithValue(req.Context(), principalContextKey, requestPrincipal{Principal: principal})
	return req.WithContext(ctx)
}

func TestChatMessagesStreamsSSE(t *testing.T) {
	streamer := &stubStreamer{fragments: []provider.Fragment{
		{Kind: provider.FragmentReasoning, Text: "let me think"},
		{Kind: provider.FragmentText, Text: "Hel"},
		{Kind: provider.FragmentText, Text: "lo!"},
		{Kind: provider.FragmentSource, Source: provider.Source{URL: "https://example.com"}},
	}}
	h, data, principal := newChatHandler(t, streamer)

	body := `{"threadId":"t-1","model":"Gemini 2.5 Flash","messages":[{"role":"user","content":"hi"}],"enabledTools":["webSearch","thinking"]}`
	recorder := httptest.NewRecorder()
	h.ChatMessages(recorder, chatRequest(t, principal, body, map[string]string{"X-Google-API-Key": "test-key"}))

	if got := recorder.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type: %q", got)
	}

	out := recorder.Body.String()
	for _, want := range []string{`"type":"metadata"`, `"type":"reasoning"`, `"type":"token"`, `"type":"source"`, `"type":"done"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("stream missing %s:\n%s", want, out)
		}
	}
	if strings.Contains(out, `"type":"error"`) {
		t.Fatalf("unexpected error event:\n%s", out)
	}

	// Capabilities were honored and the registry model id was used upstream.
	if streamer.lastReq.Model != "gemini-2.5-flash" {
		t.Fatalf("unexpected upstream model: %q", streamer.lastReq.Model)
	}
	if !streamer.lastReq.WebSearch || !streamer.lastReq.Thinking {
		t.Fatalf("expected both tools enabled, got %+v", streamer.lastReq)
	}
	if streamer.lastReq.APIKey != "test-key" {
		t.Fatalf("api key not forwarded: %q", streamer.lastReq.APIKey)
	}

	messages, err := data.ListMessages(context.Background(), principal, "t-1")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 1 || messages[0].Content != "Hello!" {
		t.Fatalf("expected the assistant message persisted, got %+v", messages)
	}
	if messages[0].Reasoning != "let me think" {
		t.Fatalf("reasoning not persisted: %q", messages[0].Reasoning)
	}
	if len(messages[0].Sources) != 1 {
		t.Fatalf("sources not persisted: %+v", messages[0].Sources)
	}
}

func TestChatMessagesToolGatedByCapabilities(t *testing.T) {
	streamer := &stubStreamer{fragments: []provider.Fragment{{Kind: provider.FragmentText, Text: "4"}}}
	h, _, principal := newChatHandler(t, streamer)

	// GPT-4o has no webSearch or thinking capability; asking for them is not
	// an error, the flags just stay off.
	body := `{"threadId":"t-1","model":"GPT-4o","messages":[{"role":"user","content":"2+2"}],"enabledTools":["webSearch","thinking"]}`
	recorder := httptest.NewRecorder()
	h.ChatMessages(recorder, chatRequest(t, principal, body, map[string]string{"X-OpenAI-API-Key": "test-key"}))

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d, body %s", recorder.Code, recorder.Body.String())
	}
	if streamer.lastReq.WebSearch || streamer.lastReq.Thinking {
		t.Fatalf("expected unsupported tools stripped, got %+v", streamer.lastReq)
	}
}

func TestChatMessagesUnknownModel(t *testing.T) {
	h, _, principal := newChatHandler(t, &stubStreamer{})

	body := `{"threadId":"t-1","model":"gpt-99","messages":[{"role":"user","content":"hi"}]}`
	recorder := httptest.NewRecorder()
	h.ChatMessages(recorder, chatRequest(t, principal, body, nil))

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "unknown_model") {
		t.Fatalf("unexpected body: %s", recorder.Body.String())
	}
}

func TestChatMessagesMissingAPIKey(t *testing.T) {
	h, _, principal := newChatHandler(t, &stubStreamer{})

	body := `{"threadId":"t-1","model":"Gemini 2.5 Flash","messages":[{"role":"user","content":"hi"}]}`
	recorder := httptest.NewRecorder()
	h.ChatMessages(recorder, chatRequest(t, principal, body, nil))

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "missing_api_key") {
		t.Fatalf("unexpected body: %s", recorder.Body.String())
	}
}

func TestChatMessagesProviderErrorEmitsErrorEvent(t *testing.T) {
	streamer := &stubStreamer{
		fragments: []provider.Fragment{{Kind: provider.FragmentText, Text: "partial"}},
		err:       errors.New("quota exceeded"),
	}
	h, data, principal := newChatHandler(t, streamer)

	body := `{"threadId":"t-1","model":"Gemini 2.5 Flash","messages":[{"role":"user","content":"hi"}]}`
	recorder := httptest.NewRecorder()
	h.ChatMessages(recorder, chatRequest(t, principal, body, map[string]string{"X-Google-API-Key": "test-key"}))

	out := recorder.Body.String()
	if !strings.Contains(out, `"type":"error"`) {
		t.Fatalf("expected error event:\n%s", out)
	}
	if !strings.Contains(out, "rate limiting") {
		t.Fatalf("expected friendly quota message:\n%s", out)
	}

	// The partial content streamed before the failure is kept.
	messages, err := data.ListMessages(context.Background(), principal, "t-1")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 1 || messages[0].Content != "partial" {
		t.Fatalf("expected partial message persisted, got %+v", messages)
	}
}
