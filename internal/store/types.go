package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a thread, message or summary does not
	// exist for the requesting owner.
	ErrNotFound = errors.New("record not found")
	// ErrForbidden is returned by the remote gateway when the caller is not
	// allowed to perform the operation. It never triggers local fallback.
	ErrForbidden = errors.New("operation not allowed")
)

// PendingIDPrefix marks message ids assigned while a response is still
// streaming, before the row has been persisted remotely. Metadata updates for
// such ids only ever touch the local store.
const PendingIDPrefix = "pending-"

func IsPendingID(id string) bool {
	return strings.HasPrefix(id, PendingIDPrefix)
}

type Thread struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	IsBranch       bool      `json:"isBranch,omitempty"`
	ParentThreadID string    `json:"parentThreadId,omitempty"`
	IsPublic       bool      `json:"isPublic,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	LastMessageAt  time.Time `json:"lastMessageAt"`
}

// ThreadPatch carries the mutable thread fields. Nil means "leave unchanged".
type ThreadPatch struct {
	Title    *string
	IsBranch *bool
}

type PartKind string

const (
	PartText      PartKind = "text"
	PartReasoning PartKind = "reasoning"
	PartSource    PartKind = "source"
)

// MessagePart is one ordered fragment of an assistant message.
type MessagePart struct {
	Kind   PartKind      `json:"kind"`
	Text   string        `json:"text,omitempty"`
	Source *SearchSource `json:"source,omitempty"`
}

type Message struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"threadId"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Parts     []MessagePart  `json:"parts,omitempty"`
	Sources   []SearchSource `json:"sources,omitempty"`
	Reasoning string         `json:"reasoning,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// SearchSource is a web citation attached to a message. URL is required;
// sources are deduplicated by URL before being attached.
type SearchSource struct {
	ID      string `json:"id,omitempty"`
	Title   string `json:"title,omitempty"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

type MessageSummary struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId"`
	MessageID string    `json:"messageId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// ShareGrant gives a non-creator access to a thread. Grants exist only in
// the remote gateway; the local store is single-owner by construction.
type ShareGrant struct {
	ThreadID  string    `json:"threadId"`
	Email     string    `json:"email"`
	CanWrite  bool      `json:"canWrite"`
	CreatedAt time.Time `json:"createdAt"`
}

// Backend is the set of operations both storage backends implement. Every
// operation is scoped to an owner: the authenticated user id remotely, the
// anonymous browser profile id locally.
type Backend interface {
	ListThreads(ctx context.Context, ownerID string) ([]Thread, error)
	GetThread(ctx context.Context, ownerID, threadID string) (Thread, error)
	CreateThread(ctx context.Context, ownerID string, thread Thread) error
	UpdateThread(ctx context.Context, ownerID, threadID string, patch ThreadPatch) error
	DeleteThread(ctx context.Context, ownerID, threadID string) error
	DeleteAllThreads(ctx context.Context, ownerID string) error

	ListMessages(ctx context.Context, ownerID, threadID string) ([]Message, error)
	CreateMessage(ctx context.Context, ownerID string, message Message) error
	HasMessage(ctx context.Context, ownerID, messageID string) (bool, error)
	UpdateMessageSources(ctx context.Context, ownerID, messageID string, sources []SearchSource) error
	UpdateMessageReasoning(ctx context.Context, ownerID, messageID, reasoning string) error
	DeleteTrailingMessages(ctx context.Context, ownerID, threadID string, from time.Time, inclusive bool) error

	CreateMessageSummary(ctx context.Context, ownerID string, summary MessageSummary) error
	HasMessageSummary(ctx context.Context, ownerID, summaryID string) (bool, error)
	ListMessageSummaries(ctx context.Context, ownerID, threadID string) ([]MessageSummary, error)
}

// TimeLayout is RFC 3339 with fixed nanosecond padding so encoded UTC
// timestamps sort lexicographically in both backends.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(raw string) (time.Time, error) {
	return time.Parse(TimeLayout, raw)
}

// TrailingBoundary resolves the effective cut-off for trailing deletion.
// With inclusive=false the boundary moves past the exact timestamp by the
// smallest representable unit.
func TrailingBoundary(from time.Time, inclusive bool) time.Time {
	if inclusive {
		return from
	}
	return from.Add(time.Nanosecond)
}
