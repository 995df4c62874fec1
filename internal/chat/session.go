package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"loomchat/backend/internal/provider"
	"loomchat/backend/internal/store"
)

// State tracks one in-flight exchange.
type State string

const (
	StateIdle              State = "idle"
	StateAwaitingFirstByte State = "awaiting_first_byte"
	StateStreaming         State = "streaming"
	StateFinalizing        State = "finalizing"
	StateErrored           State = "errored"
)

// Event is pushed to the caller (the SSE writer) as the session progresses.
type Event struct {
	Type      string              `json:"type"`
	Delta     string              `json:"delta,omitempty"`
	Source    *store.SearchSource `json:"source,omitempty"`
	MessageID string              `json:"messageId,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// Result is the finished exchange: the persisted assistant message plus
// whether the stream ended early.
type Result struct {
	Message store.Message
	Stopped bool
}

// Session consumes one provider stream, classifies every fragment, and on
// completion persists the assistant message with its accumulated metadata in
// a single create. Sessions are single-use.
type Session struct {
	streamer provider.Streamer
	data     *store.Service

	used      bool
	state     State
	content   strings.Builder
	reasoning strings.Builder
	parts     []store.MessagePart
	sources   []store.SearchSource
	seenURLs  map[string]struct{}
	seenIDs   map[string]struct{}
}

func NewSession(streamer provider.Streamer, data *store.Service) *Session {
	return &Session{
		streamer: streamer,
		data:     data,
		state:    StateIdle,
		seenURLs: make(map[string]struct{}),
		seenIDs:  make(map[string]struct{}),
	}
}

func (s *Session) State() State {
	return s.state
}

// webSearchTools names the tool invocations whose results are mined for
// sources.
var webSearchTools = map[string]struct{}{
	"web_search":    {},
	"webSearch":     {},
	"google_search": {},
	"search":        {},
}

// Run drives the exchange to completion. Cancelling ctx is the "stop"
// action: the transport is aborted and whatever partial content accumulated
// becomes the final message, not rolled back. onEvent receives every
// rendered increment in arrival order.
func (s *Session) Run(ctx context.Context, p store.Principal, threadID string, req provider.Request, onEvent func(Event)) (Result, error) {
	if s.used {
		return Result{}, errors.New("chat session already used")
	}
	s.used = true
	s.state = StateAwaitingFirstByte

	emit := func(fragment provider.Fragment) error {
		s.state = StateStreaming
		s.apply(fragment, onEvent)
		return nil
	}

	streamErr := s.streamer.StreamChat(ctx, req, emit)
	stopped := streamErr != nil && (errors.Is(streamErr, context.Canceled) || errors.Is(ctx.Err(), context.Canceled))

	if streamErr != nil && !stopped {
		s.state = StateErrored
		// Partial content already rendered is retained; persist it so a
		// reload shows what the user saw.
		if s.hasOutput() {
			if msg, err := s.finalize(p, threadID); err == nil {
				s.persist(p, msg)
			} else {
				log.Printf("chat finalize failed: thread_id=%s err=%v", threadID, err)
			}
		}
		s.state = StateIdle
		return Result{}, streamErr
	}

	s.state = StateFinalizing
	// A stream that produced nothing (stopped before the first byte, or a
	// provider that closed without emitting) leaves no message behind.
	if !s.hasOutput() {
		s.state = StateIdle
		if onEvent != nil {
			onEvent(Event{Type: "done"})
		}
		return Result{Stopped: stopped}, nil
	}
	message, err := s.finalize(p, threadID)
	if err != nil {
		s.state = StateIdle
		return Result{}, err
	}
	s.persist(p, message)
	s.state = StateIdle

	if onEvent != nil {
		onEvent(Event{Type: "done", MessageID: message.ID})
	}
	return Result{Message: message, Stopped: stopped}, nil
}

func (s *Session) hasOutput() bool {
	return s.content.Len() > 0 || s.reasoning.Len() > 0 || len(s.sources) > 0
}

// apply classifies one fragment. Order matters: reasoning, then explicit
// sources, then web-search tool results, then plain text — a chunk can match
// more than one shape depending on provider quirks.
func (s *Session) apply(fragment provider.Fragment, onEvent func(Event)) {
	switch fragment.Kind {
	case provider.FragmentReasoning:
		s.reasoning.WriteString(fragment.Text)
		s.appendPart(store.MessagePart{Kind: store.PartReasoning, Text: fragment.Text})
		if onEvent != nil {
			onEvent(Event{Type: "reasoning", Delta: fragment.Text})
		}
	case provider.FragmentSource:
		if source, added := s.addSource(fragment.Source); added && onEvent != nil {
			onEvent(Event{Type: "source", Source: &source})
		}
	case provider.FragmentToolResult:
		if _, recognized := webSearchTools[fragment.ToolName]; !recognized {
			return
		}
		for _, raw := range mineToolSources(fragment.Payload) {
			if source, added := s.addSource(raw); added && onEvent != nil {
				onEvent(Event{Type: "source", Source: &source})
			}
		}
	case provider.FragmentText:
		s.content.WriteString(fragment.Text)
		s.appendPart(store.MessagePart{Kind: store.PartText, Text: fragment.Text})
		if onEvent != nil {
			onEvent(Event{Type: "token", Delta: fragment.Text})
		}
	}
}

// appendPart coalesces consecutive parts of the same kind so the stored
// parts sequence mirrors the rendered structure, not the chunking.
func (s *Session) appendPart(part store.MessagePart) {
	if n := len(s.parts); n > 0 && s.parts[n-1].Kind == part.Kind && part.Kind != store.PartSource {
		s.parts[n-1].Text += part.Text
		return
	}
	s.parts = append(s.parts, part)
}

// addSource normalizes and deduplicates one citation. Returns the stored
// form and whether it was new.
func (s *Session) addSource(raw provider.Source) (store.SearchSource, bool) {
	normalized := NormalizeSource(raw)
	if normalized.URL == "" {
		return store.SearchSource{}, false
	}
	if _, dup := s.seenURLs[normalized.URL]; dup {
		return store.SearchSource{}, false
	}
	if raw.ID != "" {
		if _, dup := s.seenIDs[raw.ID]; dup {
			return store.SearchSource{}, false
		}
		s.seenIDs[raw.ID] = struct{}{}
	}
	s.seenURLs[normalized.URL] = struct{}{}
	s.sources = append(s.sources, normalized)
	s.parts = append(s.parts, store.MessagePart{Kind: store.PartSource, Source: &normalized})
	return normalized, true
}

func (s *Session) finalize(_ store.Principal, threadID string) (store.Message, error) {
	if threadID == "" {
		return store.Message{}, errors.New("thread id is required")
	}
	return store.Message{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Role:      "assistant",
		Content:   s.content.String(),
		Parts:     s.parts,
		Sources:   s.sources,
		Reasoning: s.reasoning.String(),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// persist writes the finished message. The background context detaches the
// write from the (possibly already cancelled) stream context; creation
// carries content, parts, sources and reasoning atomically, so no delayed
// metadata patch is needed afterwards. Failures are logged rather than
// surfaced: the stream the user watched already completed.
func (s *Session) persist(p store.Principal, message store.Message) {
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.data.CreateMessage(persistCtx, p, message); err != nil {
		log.Printf("chat persist failed: thread_id=%s message_id=%s err=%v", message.ThreadID, message.ID, err)
	}
}

// NormalizeSource fills the optional SearchSource fields: a generated id
// when absent and a display title derived from the URL host.
func NormalizeSource(raw provider.Source) store.SearchSource {
	rawURL := strings.TrimSpace(raw.URL)
	if rawURL == "" {
		return store.SearchSource{}
	}
	out := store.SearchSource{
		ID:      strings.TrimSpace(raw.ID),
		Title:   strings.TrimSpace(raw.Title),
		URL:     rawURL,
		Snippet: strings.TrimSpace(raw.Snippet),
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.Title == "" {
		out.Title = hostOf(rawURL)
	}
	return out
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return strings.TrimPrefix(parsed.Host, "www.")
}

// mineToolSources maps provider-specific web-search result payloads into
// sources. Two shapes occur in the wild: a `results` array of objects and a
// `citations` array of bare URLs.
func mineToolSources(payload json.RawMessage) []provider.Source {
	if len(payload) == 0 {
		return nil
	}

	var withResults struct {
		Results []struct {
			URL     string `json:"url"`
			Title   string `json:"title"`
			Snippet string `json:"snippet"`
		} `json:"results"`
		Citations []string `json:"citations"`
	}
	if err := json.Unmarshal(payload, &withResults); err != nil {
		return nil
	}

	sources := make([]provider.Source, 0, len(withResults.Results)+len(withResults.Citations))
	for _, result := range withResults.Results {
		if result.URL == "" {
			continue
		}
		sources = append(sources, provider.Source{URL: result.URL, Title: result.Title, Snippet: result.Snippet})
	}
	for _, citation := range withResults.Citations {
		if citation == "" {
			continue
		}
		sources = append(sources, provider.Source{URL: citation})
	}
	return sources
}
