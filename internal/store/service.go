package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Principal identifies the caller of a data operation. Authenticated callers
// own remote records under UserID; anonymous callers own local records under
// their per-browser ProfileID.
type Principal struct {
	UserID        string
	ProfileID     string
	Authenticated bool
}

func (p Principal) ownerID() string {
	if p.Authenticated {
		return p.UserID
	}
	return p.ProfileID
}

// FallbackObserver is notified whenever a remote operation fails and the
// service retries it against the local store.
type FallbackObserver func(operation string)

// Service routes every data operation to the remote gateway or the local
// store. The backend is chosen up front from the caller's authentication
// state; the error path only covers genuine remote failures, which are
// retried against the local store so the application degrades instead of
// surfacing a persistence error for routine writes.
type Service struct {
	remote     Backend
	local      Backend
	onFallback FallbackObserver
}

func NewService(remote, local Backend, onFallback FallbackObserver) *Service {
	if local == nil {
		panic("store: local backend is required")
	}
	return &Service{remote: remote, local: local, onFallback: onFallback}
}

// RemoteAvailable reports whether a remote gateway is configured at all.
func (s *Service) RemoteAvailable() bool {
	return s.remote != nil
}

func (s *Service) useRemote(p Principal) bool {
	return p.Authenticated && s.remote != nil
}

// fallbackWorthy reports whether a remote failure should be retried locally.
// Authorization rejections and not-found results are real answers, not
// transient faults.
func fallbackWorthy(err error) bool {
	return err != nil && !errors.Is(err, ErrForbidden) && !errors.Is(err, ErrNotFound)
}

func (s *Service) run(p Principal, operation string, op func(Backend, string) error) error {
	if s.useRemote(p) {
		err := op(s.remote, p.UserID)
		if !fallbackWorthy(err) {
			return err
		}
		log.Printf("store fallback: op=%s user_id=%s err=%v", operation, p.UserID, err)
		if s.onFallback != nil {
			s.onFallback(operation)
		}
	}
	return op(s.local, p.ownerID())
}

func (s *Service) ListThreads(ctx context.Context, p Principal) ([]Thread, error) {
	var out []Thread
	err := s.run(p, "list_threads", func(b Backend, owner string) error {
		threads, err := b.ListThreads(ctx, owner)
		if err != nil {
			return err
		}
		out = threads
		return nil
	})
	return out, err
}

func (s *Service) GetThread(ctx context.Context, p Principal, threadID string) (Thread, error) {
	var out Thread
	err := s.run(p, "get_thread", func(b Backend, owner string) error {
		thread, err := b.GetThread(ctx, owner, threadID)
		if err != nil {
			return err
		}
		out = thread
		return nil
	})
	return out, err
}

func (s *Service) CreateThread(ctx context.Context, p Principal, thread Thread) error {
	return s.run(p, "create_thread", func(b Backend, owner string) error {
		return b.CreateThread(ctx, owner, thread)
	})
}

func (s *Service) UpdateThread(ctx context.Context, p Principal, threadID string, patch ThreadPatch) error {
	return s.run(p, "update_thread", func(b Backend, owner string) error {
		return b.UpdateThread(ctx, owner, threadID, patch)
	})
}

func (s *Service) DeleteThread(ctx context.Context, p Principal, threadID string) error {
	return s.run(p, "delete_thread", func(b Backend, owner string) error {
		return b.DeleteThread(ctx, owner, threadID)
	})
}

func (s *Service) DeleteAllThreads(ctx context.Context, p Principal) error {
	return s.run(p, "delete_all_threads", func(b Backend, owner string) error {
		return b.DeleteAllThreads(ctx, owner)
	})
}

func (s *Service) ListMessages(ctx context.Context, p Principal, threadID string) ([]Message, error) {
	var out []Message
	err := s.run(p, "list_messages", func(b Backend, owner string) error {
		messages, err := b.ListMessages(ctx, owner, threadID)
		if err != nil {
			return err
		}
		out = messages
		return nil
	})
	return out, err
}

func (s *Service) CreateMessage(ctx context.Context, p Principal, message Message) error {
	return s.run(p, "create_message", func(b Backend, owner string) error {
		return b.CreateMessage(ctx, owner, message)
	})
}

// UpdateMessageSources attaches sources to an existing message. Messages
// still carrying a pending streaming id have no remote row yet, so their
// updates are confined to the local store.
func (s *Service) UpdateMessageSources(ctx context.Context, p Principal, messageID string, sources []SearchSource) error {
	if IsPendingID(messageID) {
		return s.local.UpdateMessageSources(ctx, p.ownerID(), messageID, sources)
	}
	return s.run(p, "update_message_sources", func(b Backend, owner string) error {
		return b.UpdateMessageSources(ctx, owner, messageID, sources)
	})
}

func (s *Service) UpdateMessageReasoning(ctx context.Context, p Principal, messageID, reasoning string) error {
	if IsPendingID(messageID) {
		return s.local.UpdateMessageReasoning(ctx, p.ownerID(), messageID, reasoning)
	}
	return s.run(p, "update_message_reasoning", func(b Backend, owner string) error {
		return b.UpdateMessageReasoning(ctx, owner, messageID, reasoning)
	})
}

func (s *Service) DeleteTrailingMessages(ctx context.Context, p Principal, threadID string, from time.Time, inclusive bool) error {
	return s.run(p, "delete_trailing_messages", func(b Backend, owner string) error {
		return b.DeleteTrailingMessages(ctx, owner, threadID, from, inclusive)
	})
}

func (s *Service) CreateMessageSummary(ctx context.Context, p Principal, summary MessageSummary) error {
	return s.run(p, "create_message_summary", func(b Backend, owner string) error {
		return b.CreateMessageSummary(ctx, owner, summary)
	})
}

func (s *Service) ListMessageSummaries(ctx context.Context, p Principal, threadID string) ([]MessageSummary, error) {
	var out []MessageSummary
	err := s.run(p, "list_message_summaries", func(b Backend, owner string) error {
		summaries, err := b.ListMessageSummaries(ctx, owner, threadID)
		if err != nil {
			return err
		}
		out = summaries
		return nil
	})
	return out, err
}

// MigrateLocalToRemote copies every thread, message and summary recorded
// under the caller's anonymous profile to the remote gateway under their
// user id. Records whose id already exists remotely are skipped, so running
// the migration twice is a no-op. Pending streaming ids are never migrated.
func (s *Service) MigrateLocalToRemote(ctx context.Context, p Principal) (migrated int, err error) {
	if !p.Authenticated || s.remote == nil {
		return 0, fmt.Errorf("migrate: %w", ErrForbidden)
	}
	if p.ProfileID == "" {
		return 0, nil
	}

	threads, err := s.local.ListThreads(ctx, p.ProfileID)
	if err != nil {
		return 0, fmt.Errorf("migrate: list local threads: %w", err)
	}

	for _, thread := range threads {
		_, err := s.remote.GetThread(ctx, p.UserID, thread.ID)
		switch {
		case err == nil:
			// already migrated
		case errors.Is(err, ErrNotFound):
			if err := s.remote.CreateThread(ctx, p.UserID, thread); err != nil {
				return migrated, fmt.Errorf("migrate: create thread %s: %w", thread.ID, err)
			}
			migrated++
		default:
			return migrated, fmt.Errorf("migrate: check thread %s: %w", thread.ID, err)
		}

		messages, err := s.local.ListMessages(ctx, p.ProfileID, thread.ID)
		if err != nil {
			return migrated, fmt.Errorf("migrate: list local messages: %w", err)
		}
		for _, message := range messages {
			if IsPendingID(message.ID) {
				continue
			}
			exists, err := s.remote.HasMessage(ctx, p.UserID, message.ID)
			if err != nil {
				return migrated, fmt.Errorf("migrate: check message %s: %w", message.ID, err)
			}
			if exists {
				continue
			}
			if err := s.remote.CreateMessage(ctx, p.UserID, message); err != nil {
				return migrated, fmt.Errorf("migrate: create message %s: %w", message.ID, err)
			}
			migrated++
		}

		summaries, err := s.local.ListMessageSummaries(ctx, p.ProfileID, thread.ID)
		if err != nil {
			return migrated, fmt.Errorf("migrate: list local summaries: %w", err)
		}
		for _, summary := range summaries {
			exists, err := s.remote.HasMessageSummary(ctx, p.UserID, summary.ID)
			if err != nil {
				return migrated, fmt.Errorf("migrate: check summary %s: %w", summary.ID, err)
			}
			if exists || IsPendingID(summary.MessageID) {
				continue
			}
			if err := s.remote.CreateMessageSummary(ctx, p.UserID, summary); err != nil {
				return migrated, fmt.Errorf("migrate: create summary %s: %w", summary.ID, err)
			}
			migrated++
		}
	}

	return migrated, nil
}
