package openrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"loomchat/backend/internal/provider"
)

func sseServer(t *testing.T, status int, lines []string, capture *streamAPIRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected authorization header: %q", got)
		}
		if capture != nil {
			if err := json.NewDecoder(r.Body).Decode(capture); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(status)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
		}
	}))
}

func baseRequest() provider.Request {
	return provider.Request{
		Model:    "deepseek/deepseek-r1",
		APIKey:   "test-key",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	}
}

func TestStreamChatEmitsFragments(t *testing.T) {
	var captured streamAPIRequest
	server := sseServer(t, http.StatusOK, []string{
		`data: {"choices":[{"delta":{"reasoning_details":[{"type":"reasoning.text","text":"hmm"}]}}]}`,
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		`: keep-alive comment`,
		`data: {"choices":[{"delta":{"content":"lo","annotations":[{"type":"url_citation","url_citation":{"url":"https://example.com","title":"Example","content":"snippet"}}]}}]}`,
		`data: [DONE]`,
	}, &captured)
	defer server.Close()

	client := NewClient(server.URL, server.Client())

	req := baseRequest()
	req.Thinking = true
	req.WebSearch = true

	var fragments []provider.Fragment
	err := client.StreamChat(context.Background(), req, func(fragment provider.Fragment) error {
		fragments = append(fragments, fragment)
		return nil
	})
	if err != nil {
		t.Fatalf("stream chat: %v", err)
	}

	wantKinds := []provider.FragmentKind{
		provider.FragmentReasoning,
		provider.FragmentText,
		provider.FragmentSource,
		provider.FragmentText,
	}
	if len(fragments) != len(wantKinds) {
		t.Fatalf("expected %d fragments, got %+v", len(wantKinds), fragments)
	}
	for i, kind := range wantKinds {
		if fragments[i].Kind != kind {
			t.Fatalf("fragment %d: got %s, want %s", i, fragments[i].Kind, kind)
		}
	}
	if fragments[2].Source.URL != "https://example.com" || fragments[2].Source.Title != "Example" {
		t.Fatalf("unexpected source: %+v", fragments[2].Source)
	}

	if !captured.Stream {
		t.Fatal("expected stream=true in the request")
	}
	if captured.Reasoning == nil || captured.Reasoning.Effort != "medium" {
		t.Fatalf("expected reasoning effort requested, got %+v", captured.Reasoning)
	}
	if len(captured.Plugins) != 1 || captured.Plugins[0].ID != "web" {
		t.Fatalf("expected web plugin requested, got %+v", captured.Plugins)
	}
}

func TestStreamChatSurfacesInlineError(t *testing.T) {
	server := sseServer(t, http.StatusOK, []string{
		`data: {"error":{"message":"quota exceeded"}}`,
	}, nil)
	defer server.Close()

	client := NewClient(server.URL, server.Client())
	err := client.StreamChat(context.Background(), baseRequest(), func(provider.Fragment) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("expected inline error surfaced, got %v", err)
	}
}

func TestStreamChatNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())
	err := client.StreamChat(context.Background(), baseRequest(), func(provider.Fragment) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestStreamChatEmitAborts(t *testing.T) {
	server := sseServer(t, http.StatusOK, []string{
		`data: {"choices":[{"delta":{"content":"first"}}]}`,
		`data: {"choices":[{"delta":{"content":"second"}}]}`,
		`data: [DONE]`,
	}, nil)
	defer server.Close()

	abort := errors.New("client hung up")
	client := NewClient(server.URL, server.Client())
	err := client.StreamChat(context.Background(), baseRequest(), func(provider.Fragment) error { return abort })
	if !errors.Is(err, abort) {
		t.Fatalf("expected emit error propagated, got %v", err)
	}
}

func TestStreamChatRequiresAPIKey(t *testing.T) {
	client := NewClient("http://unused", nil)

	req := baseRequest()
	req.APIKey = " "
	err := client.StreamChat(context.Background(), req, func(provider.Fragment) error { return nil })
	if !errors.Is(err, provider.ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}
