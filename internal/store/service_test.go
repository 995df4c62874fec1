package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeBackend is an in-memory Backend with per-operation failure injection.
type fakeBackend struct {
	threads   map[string]map[string]Thread
	messages  map[string]map[string][]Message
	summaries map[string]map[string][]MessageSummary

	failWith error
	calls    []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		threads:   make(map[string]map[string]Thread),
		messages:  make(map[string]map[string][]Message),
		summaries: make(map[string]map[string][]MessageSummary),
	}
}

func (f *fakeBackend) record(op string) error {
	f.calls = append(f.calls, op)
	return f.failWith
}

func (f *fakeBackend) ListThreads(_ context.Context, ownerID string) ([]Thread, error) {
	if err := f.record("list_threads"); err != nil {
		return nil, err
	}
	out := make([]Thread, 0, len(f.threads[ownerID]))
	for _, thread := range f.threads[ownerID] {
		out = append(out, thread)
	}
	return out, nil
}

func (f *fakeBackend) GetThread(_ context.Context, ownerID, threadID string) (Thread, error) {
	if err := f.record("get_thread"); err != nil {
		return Thread{}, err
	}
	thread, ok := f.threads[ownerID][threadID]
	if !ok {
		return Thread{}, ErrNotFound
	}
	return thread, nil
}

func (f *fakeBackend) CreateThread(_ context.Context, ownerID string, thread Thread) error {
	if err := f.record("create_thread"); err != nil {
		return err
	}
	if f.threads[ownerID] == nil {
		f.threads[ownerID] = make(map[string]Thread)
	}
	f.threads[ownerID][thread.ID] = thread
	return nil
}

func (f *fakeBackend) UpdateThread(_ context.Context, ownerID, threadID string, patch ThreadPatch) error {
	if err := f.record("update_thread"); err != nil {
		return err
	}
	thread, ok := f.threads[ownerID][threadID]
	if !ok {
		return ErrNotFound
	}
	if patch.Title != nil {
		thread.Title = *patch.Title
	}
	if patch.IsBranch != nil {
		thread.IsBranch = *patch.IsBranch
	}
	f.threads[ownerID][threadID] = thread
	return nil
}

func (f *fakeBackend) DeleteThread(_ context.Context, ownerID, threadID string) error {
	if err := f.record("delete_thread"); err != nil {
		return err
	}
	if _, ok := f.threads[ownerID][threadID]; !ok {
		return ErrNotFound
	}
	delete(f.threads[ownerID], threadID)
	delete(f.messages[ownerID], threadID)
	return nil
}

func (f *fakeBackend) DeleteAllThreads(_ context.Context, ownerID string) error {
	if err := f.record("delete_all_threads"); err != nil {
		return err
	}
	delete(f.threads, ownerID)
	delete(f.messages, ownerID)
	return nil
}

func (f *fakeBackend) ListMessages(_ context.Context, ownerID, threadID string) ([]Message, error) {
	if err := f.record("list_messages"); err != nil {
		return nil, err
	}
	return f.messages[ownerID][threadID], nil
}

func (f *fakeBackend) CreateMessage(_ context.Context, ownerID string, message Message) error {
	if err := f.record("create_message"); err != nil {
		return err
	}
	if f.messages[ownerID] == nil {
		f.messages[ownerID] = make(map[string][]Message)
	}
	f.messages[ownerID][message.ThreadID] = append(f.messages[ownerID][message.ThreadID], message)
	return nil
}

func (f *fakeBackend) HasMessage(_ context.Context, ownerID, messageID string) (bool, error) {
	if err := f.record("has_message"); err != nil {
		return false, err
	}
	for _, messages := range f.messages[ownerID] {
		for _, message := range messages {
			if message.ID == messageID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (f *fakeBackend) UpdateMessageSources(_ context.Context, ownerID, messageID string, sources []SearchSource) error {
	if err := f.record("update_message_sources"); err != nil {
		return err
	}
	for threadID, messages := range f.messages[ownerID] {
		for i, message := range messages {
			if message.ID == messageID {
				f.messages[ownerID][threadID][i].Sources = sources
				return nil
			}
		}
	}
	return ErrNotFound
}

func (f *fakeBackend) UpdateMessageReasoning(_ context.Context, ownerID, messageID, reasoning string) error {
	if err := f.record("update_message_reasoning"); err != nil {
		return err
	}
	for threadID, messages := range f.messages[ownerID] {
		for i, message := range messages {
			if message.ID == messageID {
				f.messages[ownerID][threadID][i].Reasoning = reasoning
				return nil
			}
		}
	}
	return ErrNotFound
}

func (f *fakeBackend) DeleteTrailingMessages(_ context.Context, ownerID, threadID string, from time.Time, inclusive bool) error {
	if err := f.record("delete_trailing_messages"); err != nil {
		return err
	}
	boundary := TrailingBoundary(from, inclusive)
	kept := f.messages[ownerID][threadID][:0]
	for _, message := range f.messages[ownerID][threadID] {
		if message.CreatedAt.Before(boundary) {
			kept = append(kept, message)
		}
	}
	f.messages[ownerID][threadID] = kept
	return nil
}

func (f *fakeBackend) CreateMessageSummary(_ context.Context, ownerID string, summary MessageSummary) error {
	if err := f.record("create_message_summary"); err != nil {
		return err
	}
	if f.summaries[ownerID] == nil {
		f.summaries[ownerID] = make(map[string][]MessageSummary)
	}
	f.summaries[ownerID][summary.ThreadID] = append(f.summaries[ownerID][summary.ThreadID], summary)
	return nil
}

func (f *fakeBackend) HasMessageSummary(_ context.Context, ownerID, summaryID string) (bool, error) {
	if err := f.record("has_message_summary"); err != nil {
		return false, err
	}
	for _, summaries := range f.summaries[ownerID] {
		for _, summary := range summaries {
			if summary.ID == summaryID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (f *fakeBackend) ListMessageSummaries(_ context.Context, ownerID, threadID string) ([]MessageSummary, error) {
	if err := f.record("list_message_summaries"); err != nil {
		return nil, err
	}
	return f.summaries[ownerID][threadID], nil
}

func authed() Principal {
	return Principal{UserID: "user-1", ProfileID: "profile-1", Authenticated: true}
}

func anonymous() Principal {
	return Principal{ProfileID: "profile-1"}
}

func TestAuthenticatedCallerUsesRemote(t *testing.T) {
	remote := newFakeBackend()
	localFake := newFakeBackend()
	service := NewService(remote, localFake, nil)

	if err := service.CreateThread(context.Background(), authed(), Thread{ID: "t1"}); err != nil {
		t.Fatalf("create thread: %v", err)
	}

	if _, ok := remote.threads["user-1"]["t1"]; !ok {
		t.Fatal("expected thread written remotely under the user id")
	}
	if len(localFake.calls) != 0 {
		t.Fatalf("expected local store untouched, got calls %v", localFake.calls)
	}
}

func TestAnonymousCallerUsesLocal(t *testing.T) {
	remote := newFakeBackend()
	localFake := newFakeBackend()
	service := NewService(remote, localFake, nil)

	if err := service.CreateThread(context.Background(), anonymous(), Thread{ID: "t1"}); err != nil {
		t.Fatalf("create thread: %v", err)
	}

	if _, ok := localFake.threads["profile-1"]["t1"]; !ok {
		t.Fatal("expected thread written locally under the profile id")
	}
	if len(remote.calls) != 0 {
		t.Fatalf("expected remote untouched, got calls %v", remote.calls)
	}
}

func TestRemoteFailureFallsBackLocally(t *testing.T) {
	remote := newFakeBackend()
	remote.failWith = errors.New("connection refused")
	localFake := newFakeBackend()

	var observed []string
	service := NewService(remote, localFake, func(operation string) {
		observed = append(observed, operation)
	})

	if err := service.CreateThread(context.Background(), authed(), Thread{ID: "t1"}); err != nil {
		t.Fatalf("expected fallback to absorb the remote failure: %v", err)
	}

	// The fallback write is keyed by the user id, not the anonymous profile.
	if _, ok := localFake.threads["user-1"]["t1"]; !ok {
		t.Fatal("expected thread written locally after remote failure")
	}
	if len(observed) != 1 || observed[0] != "create_thread" {
		t.Fatalf("expected one fallback observation, got %v", observed)
	}
}

func TestNotFoundDoesNotFallBack(t *testing.T) {
	remote := newFakeBackend()
	localFake := newFakeBackend()
	localFake.threads["user-1"] = map[string]Thread{"t1": {ID: "t1"}}
	service := NewService(remote, localFake, nil)

	_, err := service.GetThread(context.Background(), authed(), "t1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected the remote miss surfaced, got %v", err)
	}
	if len(localFake.calls) != 0 {
		t.Fatalf("expected no local retry on not-found, got %v", localFake.calls)
	}
}

func TestForbiddenDoesNotFallBack(t *testing.T) {
	remote := newFakeBackend()
	remote.failWith = ErrForbidden
	localFake := newFakeBackend()
	service := NewService(remote, localFake, nil)

	err := service.DeleteThread(context.Background(), authed(), "t1")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected the rejection surfaced, got %v", err)
	}
	if len(localFake.calls) != 0 {
		t.Fatalf("expected no local retry on forbidden, got %v", localFake.calls)
	}
}

func TestNoRemoteConfiguredServesLocally(t *testing.T) {
	localFake := newFakeBackend()
	service := NewService(nil, localFake, nil)

	if service.RemoteAvailable() {
		t.Fatal("expected no remote gateway")
	}
	if err := service.CreateThread(context.Background(), authed(), Thread{ID: "t1"}); err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if _, ok := localFake.threads["user-1"]["t1"]; !ok {
		t.Fatal("expected thread written locally")
	}
}

func TestPendingIDUpdatesStayLocal(t *testing.T) {
	remote := newFakeBackend()
	localFake := newFakeBackend()
	localFake.messages["user-1"] = map[string][]Message{
		"t1": {{ID: "pending-123", ThreadID: "t1"}},
	}
	service := NewService(remote, localFake, nil)

	err := service.UpdateMessageReasoning(context.Background(), authed(), "pending-123", "partial thoughts")
	if err != nil {
		t.Fatalf("update reasoning: %v", err)
	}

	if len(remote.calls) != 0 {
		t.Fatalf("expected pending id update to skip the remote, got %v", remote.calls)
	}
	if got := localFake.messages["user-1"]["t1"][0].Reasoning; got != "partial thoughts" {
		t.Fatalf("reasoning not applied locally: %q", got)
	}
}

func TestMigrateLocalToRemote(t *testing.T) {
	remote := newFakeBackend()
	localFake := newFakeBackend()
	service := NewService(remote, localFake, nil)
	ctx := context.Background()
	p := authed()

	// Local data lives under the anonymous profile id.
	localFake.threads["profile-1"] = map[string]Thread{
		"t1": {ID: "t1", Title: "first"},
	}
	localFake.messages["profile-1"] = map[string][]Message{
		"t1": {
			{ID: "m1", ThreadID: "t1", Role: "user", Content: "hi"},
			{ID: "pending-9", ThreadID: "t1", Role: "assistant", Content: "still streaming"},
		},
	}
	localFake.summaries["profile-1"] = map[string][]MessageSummary{
		"t1": {{ID: "sum1", ThreadID: "t1", MessageID: "m1", Content: "greeting"}},
	}

	migrated, err := service.MigrateLocalToRemote(ctx, p)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if migrated != 3 {
		t.Fatalf("expected thread, message and summary migrated, got %d", migrated)
	}

	if _, ok := remote.threads["user-1"]["t1"]; !ok {
		t.Fatal("thread not migrated")
	}
	if got := len(remote.messages["user-1"]["t1"]); got != 1 {
		t.Fatalf("expected 1 migrated message (pending id skipped), got %d", got)
	}
	if got := len(remote.summaries["user-1"]["t1"]); got != 1 {
		t.Fatalf("expected 1 migrated summary, got %d", got)
	}

	// Running again migrates nothing.
	migrated, err = service.MigrateLocalToRemote(ctx, p)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if migrated != 0 {
		t.Fatalf("expected idempotent migration, got %d new records", migrated)
	}
}

func TestMigrateRequiresAuthenticationAndRemote(t *testing.T) {
	remote := newFakeBackend()
	localFake := newFakeBackend()

	if _, err := NewService(remote, localFake, nil).MigrateLocalToRemote(context.Background(), anonymous()); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for anonymous caller, got %v", err)
	}
	if _, err := NewService(nil, localFake, nil).MigrateLocalToRemote(context.Background(), authed()); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden without a remote gateway, got %v", err)
	}
}

func TestTrailingBoundary(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !TrailingBoundary(at, true).Equal(at) {
		t.Fatal("inclusive boundary must not move")
	}
	if !TrailingBoundary(at, false).Equal(at.Add(time.Nanosecond)) {
		t.Fatal("exclusive boundary must move past the timestamp")
	}
}

func TestTimeCodecSortsLexicographically(t *testing.T) {
	early := time.Date(2026, 3, 1, 12, 0, 0, 5, time.UTC)
	late := time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC)

	a, b := FormatTime(early), FormatTime(late)
	if !(a < b) {
		t.Fatalf("encoded timestamps must sort chronologically: %q vs %q", a, b)
	}

	parsed, err := ParseTime(a)
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	if !parsed.Equal(early) {
		t.Fatalf("round trip mismatch: got %v, want %v", parsed, early)
	}
}
