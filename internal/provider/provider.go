// Package provider defines the provider-agnostic streaming contract. Each
// client normalizes its wire format into Fragment values at the transport
// boundary so downstream code matches on a closed set of variants instead of
// probing optional JSON fields.
package provider

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrMissingAPIKey = errors.New("provider api key is missing")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type FragmentKind string

const (
	// FragmentText is a plain content delta.
	FragmentText FragmentKind = "text"
	// FragmentReasoning is a reasoning/thinking delta.
	FragmentReasoning FragmentKind = "reasoning"
	// FragmentSource is an explicit citation emitted by the provider.
	FragmentSource FragmentKind = "source"
	// FragmentToolResult carries a raw tool invocation result; web-search
	// tool payloads are mined for sources by the chat session.
	FragmentToolResult FragmentKind = "tool_result"
)

// Source is a provider-reported citation before normalization. Only URL is
// guaranteed to be present.
type Source struct {
	ID      string
	Title   string
	URL     string
	Snippet string
}

// Fragment is one normalized unit of a streamed response.
type Fragment struct {
	Kind     FragmentKind
	Text     string
	Source   Source
	ToolName string
	Payload  json.RawMessage
}

// Request is a provider-agnostic streaming completion request. APIKey is
// supplied per request by the caller and never stored.
type Request struct {
	Model     string
	APIKey    string
	Messages  []Message
	WebSearch bool
	Thinking  bool
}

// Streamer streams a chat completion, invoking emit for every normalized
// fragment in arrival order. A non-nil error from emit aborts the stream.
type Streamer interface {
	StreamChat(ctx context.Context, req Request, emit func(Fragment) error) error
}
