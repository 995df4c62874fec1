package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"loomchat/backend/internal/store"
)

// Store persists threads, messages and message summaries for anonymous
// browser profiles in an embedded pebble database. Keys encode the owner and
// a zero-padded creation timestamp so ordered reads and trailing deletes are
// plain prefix scans:
//
//	t:<owner>:<threadID>                     thread record
//	m:<owner>:<threadID>:<ts>:<messageID>    message record
//	mi:<owner>:<messageID>                   message key index (update by id)
//	s:<owner>:<threadID>:<ts>:<summaryID>    summary record
type Store struct {
	db *pebble.DB
}

// Open opens (or creates) the local database at path. It is opened once per
// process and shared.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory store, used by tests.
func OpenMemory() (*Store, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("open in-memory local store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func threadKey(ownerID, threadID string) []byte {
	return []byte(fmt.Sprintf("t:%s:%s", ownerID, threadID))
}

func threadPrefix(ownerID string) []byte {
	return []byte(fmt.Sprintf("t:%s:", ownerID))
}

func messageKey(ownerID, threadID string, createdAt time.Time, messageID string) []byte {
	return []byte(fmt.Sprintf("m:%s:%s:%020d:%s", ownerID, threadID, createdAt.UTC().UnixNano(), messageID))
}

func messagePrefix(ownerID, threadID string) []byte {
	return []byte(fmt.Sprintf("m:%s:%s:", ownerID, threadID))
}

func messageBoundary(ownerID, threadID string, from time.Time) []byte {
	return []byte(fmt.Sprintf("m:%s:%s:%020d", ownerID, threadID, from.UTC().UnixNano()))
}

func messageIndexKey(ownerID, messageID string) []byte {
	return []byte(fmt.Sprintf("mi:%s:%s", ownerID, messageID))
}

func summaryKey(ownerID, threadID string, createdAt time.Time, summaryID string) []byte {
	return []byte(fmt.Sprintf("s:%s:%s:%020d:%s", ownerID, threadID, createdAt.UTC().UnixNano(), summaryID))
}

func summaryPrefix(ownerID, threadID string) []byte {
	return []byte(fmt.Sprintf("s:%s:%s:", ownerID, threadID))
}

// prefixEnd returns the exclusive upper bound for a prefix scan.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) ListThreads(_ context.Context, ownerID string) ([]store.Thread, error) {
	prefix := threadPrefix(ownerID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, fmt.Errorf("local list threads: %w", err)
	}
	defer iter.Close()

	threads := make([]store.Thread, 0, 8)
	for iter.First(); iter.Valid(); iter.Next() {
		var thread store.Thread
		if err := json.Unmarshal(iter.Value(), &thread); err != nil {
			return nil, fmt.Errorf("local decode thread %s: %w", iter.Key(), err)
		}
		threads = append(threads, thread)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("local list threads: %w", err)
	}

	sort.SliceStable(threads, func(i, j int) bool {
		return threads[i].LastMessageAt.After(threads[j].LastMessageAt)
	})
	return threads, nil
}

func (s *Store) GetThread(_ context.Context, ownerID, threadID string) (store.Thread, error) {
	value, closer, err := s.db.Get(threadKey(ownerID, threadID))
	if err == pebble.ErrNotFound {
		return store.Thread{}, store.ErrNotFound
	}
	if err != nil {
		return store.Thread{}, fmt.Errorf("local get thread: %w", err)
	}
	defer closer.Close()

	var thread store.Thread
	if err := json.Unmarshal(value, &thread); err != nil {
		return store.Thread{}, fmt.Errorf("local decode thread: %w", err)
	}
	return thread, nil
}

func (s *Store) putThread(batch *pebble.Batch, ownerID string, thread store.Thread) error {
	encoded, err := json.Marshal(thread)
	if err != nil {
		return fmt.Errorf("local encode thread: %w", err)
	}
	return batch.Set(threadKey(ownerID, thread.ID), encoded, nil)
}

func (s *Store) CreateThread(_ context.Context, ownerID string, thread store.Thread) error {
	now := time.Now().UTC()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = now
	}
	if thread.UpdatedAt.IsZero() {
		thread.UpdatedAt = thread.CreatedAt
	}
	if thread.LastMessageAt.IsZero() {
		thread.LastMessageAt = thread.CreatedAt
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := s.putThread(batch, ownerID, thread); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("local create thread: %w", err)
	}
	return nil
}

func (s *Store) UpdateThread(ctx context.Context, ownerID, threadID string, patch store.ThreadPatch) error {
	thread, err := s.GetThread(ctx, ownerID, threadID)
	if err != nil {
		return err
	}
	if patch.Title != nil {
		thread.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.IsBranch != nil {
		thread.IsBranch = *patch.IsBranch
	}
	thread.UpdatedAt = time.Now().UTC()

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := s.putThread(batch, ownerID, thread); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("local update thread: %w", err)
	}
	return nil
}

// deleteThreadInto stages the cascading removal of one thread into batch.
func (s *Store) deleteThreadInto(batch *pebble.Batch, ownerID, threadID string) error {
	msgPrefix := messagePrefix(ownerID, threadID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: msgPrefix, UpperBound: prefixEnd(msgPrefix)})
	if err != nil {
		return fmt.Errorf("local delete thread: %w", err)
	}
	for iter.First(); iter.Valid(); iter.Next() {
		var message store.Message
		if err := json.Unmarshal(iter.Value(), &message); err == nil {
			_ = batch.Delete(messageIndexKey(ownerID, message.ID), nil)
		}
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("local delete thread: %w", err)
	}

	if err := batch.DeleteRange(msgPrefix, prefixEnd(msgPrefix), nil); err != nil {
		return err
	}
	sumPrefix := summaryPrefix(ownerID, threadID)
	if err := batch.DeleteRange(sumPrefix, prefixEnd(sumPrefix), nil); err != nil {
		return err
	}
	return batch.Delete(threadKey(ownerID, threadID), nil)
}

func (s *Store) DeleteThread(ctx context.Context, ownerID, threadID string) error {
	if _, err := s.GetThread(ctx, ownerID, threadID); err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := s.deleteThreadInto(batch, ownerID, threadID); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("local delete thread: %w", err)
	}
	return nil
}

func (s *Store) DeleteAllThreads(ctx context.Context, ownerID string) error {
	threads, err := s.ListThreads(ctx, ownerID)
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, thread := range threads {
		if err := s.deleteThreadInto(batch, ownerID, thread.ID); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("local delete all threads: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(_ context.Context, ownerID, threadID string) ([]store.Message, error) {
	prefix := messagePrefix(ownerID, threadID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, fmt.Errorf("local list messages: %w", err)
	}
	defer iter.Close()

	messages := make([]store.Message, 0, 16)
	for iter.First(); iter.Valid(); iter.Next() {
		var message store.Message
		if err := json.Unmarshal(iter.Value(), &message); err != nil {
			return nil, fmt.Errorf("local decode message %s: %w", iter.Key(), err)
		}
		messages = append(messages, message)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("local list messages: %w", err)
	}
	return messages, nil
}

func (s *Store) CreateMessage(ctx context.Context, ownerID string, message store.Message) error {
	thread, err := s.GetThread(ctx, ownerID, message.ThreadID)
	if err != nil {
		return err
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	encoded, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("local encode message: %w", err)
	}

	key := messageKey(ownerID, message.ThreadID, message.CreatedAt, message.ID)
	thread.LastMessageAt = message.CreatedAt
	thread.UpdatedAt = message.CreatedAt

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(key, encoded, nil); err != nil {
		return err
	}
	if err := batch.Set(messageIndexKey(ownerID, message.ID), key, nil); err != nil {
		return err
	}
	if err := s.putThread(batch, ownerID, thread); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("local create message: %w", err)
	}
	return nil
}

func (s *Store) HasMessage(_ context.Context, ownerID, messageID string) (bool, error) {
	_, closer, err := s.db.Get(messageIndexKey(ownerID, messageID))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("local has message: %w", err)
	}
	closer.Close()
	return true, nil
}

func (s *Store) getMessageByID(ownerID, messageID string) ([]byte, store.Message, error) {
	indexed, closer, err := s.db.Get(messageIndexKey(ownerID, messageID))
	if err == pebble.ErrNotFound {
		return nil, store.Message{}, store.ErrNotFound
	}
	if err != nil {
		return nil, store.Message{}, fmt.Errorf("local resolve message id: %w", err)
	}
	key := make([]byte, len(indexed))
	copy(key, indexed)
	closer.Close()

	value, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, store.Message{}, store.ErrNotFound
	}
	if err != nil {
		return nil, store.Message{}, fmt.Errorf("local get message: %w", err)
	}
	defer closer.Close()

	var message store.Message
	if err := json.Unmarshal(value, &message); err != nil {
		return nil, store.Message{}, fmt.Errorf("local decode message: %w", err)
	}
	return key, message, nil
}

func (s *Store) updateMessage(ownerID, messageID string, mutate func(*store.Message)) error {
	key, message, err := s.getMessageByID(ownerID, messageID)
	if err != nil {
		return err
	}
	mutate(&message)

	encoded, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("local encode message: %w", err)
	}
	if err := s.db.Set(key, encoded, pebble.Sync); err != nil {
		return fmt.Errorf("local update message: %w", err)
	}
	return nil
}

func (s *Store) UpdateMessageSources(_ context.Context, ownerID, messageID string, sources []store.SearchSource) error {
	return s.updateMessage(ownerID, messageID, func(m *store.Message) {
		m.Sources = sources
	})
}

func (s *Store) UpdateMessageReasoning(_ context.Context, ownerID, messageID, reasoning string) error {
	return s.updateMessage(ownerID, messageID, func(m *store.Message) {
		m.Reasoning = reasoning
	})
}

func (s *Store) DeleteTrailingMessages(_ context.Context, ownerID, threadID string, from time.Time, inclusive bool) error {
	boundary := store.TrailingBoundary(from, inclusive)
	lower := messageBoundary(ownerID, threadID, boundary)
	upper := prefixEnd(messagePrefix(ownerID, threadID))

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("local delete trailing: %w", err)
	}

	deleted := make(map[string]struct{})
	batch := s.db.NewBatch()
	defer batch.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var message store.Message
		if err := json.Unmarshal(iter.Value(), &message); err != nil {
			_ = iter.Close()
			return fmt.Errorf("local decode message %s: %w", iter.Key(), err)
		}
		deleted[message.ID] = struct{}{}
		_ = batch.Delete(messageIndexKey(ownerID, message.ID), nil)
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("local delete trailing: %w", err)
	}
	if len(deleted) == 0 {
		return nil
	}

	if err := batch.DeleteRange(lower, upper, nil); err != nil {
		return err
	}

	// Summaries referencing a deleted message go with it.
	sumPrefix := summaryPrefix(ownerID, threadID)
	sumIter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: sumPrefix, UpperBound: prefixEnd(sumPrefix)})
	if err != nil {
		return fmt.Errorf("local delete trailing summaries: %w", err)
	}
	for sumIter.First(); sumIter.Valid(); sumIter.Next() {
		var summary store.MessageSummary
		if err := json.Unmarshal(sumIter.Value(), &summary); err != nil {
			continue
		}
		if _, gone := deleted[summary.MessageID]; gone {
			key := make([]byte, len(sumIter.Key()))
			copy(key, sumIter.Key())
			_ = batch.Delete(key, nil)
		}
	}
	if err := sumIter.Close(); err != nil {
		return fmt.Errorf("local delete trailing summaries: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("local delete trailing: %w", err)
	}
	return nil
}

func (s *Store) CreateMessageSummary(ctx context.Context, ownerID string, summary store.MessageSummary) error {
	if _, err := s.GetThread(ctx, ownerID, summary.ThreadID); err != nil {
		return err
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now().UTC()
	}

	encoded, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("local encode summary: %w", err)
	}
	key := summaryKey(ownerID, summary.ThreadID, summary.CreatedAt, summary.ID)
	if err := s.db.Set(key, encoded, pebble.Sync); err != nil {
		return fmt.Errorf("local create summary: %w", err)
	}
	return nil
}

func (s *Store) HasMessageSummary(_ context.Context, ownerID, summaryID string) (bool, error) {
	// Summaries are few per thread; a scoped scan keeps the schema to one
	// record per summary.
	prefix := []byte(fmt.Sprintf("s:%s:", ownerID))
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return false, fmt.Errorf("local has summary: %w", err)
	}
	defer iter.Close()

	suffix := []byte(":" + summaryID)
	for iter.First(); iter.Valid(); iter.Next() {
		if bytes.HasSuffix(iter.Key(), suffix) {
			return true, nil
		}
	}
	return false, iter.Error()
}

func (s *Store) ListMessageSummaries(_ context.Context, ownerID, threadID string) ([]store.MessageSummary, error) {
	prefix := summaryPrefix(ownerID, threadID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, fmt.Errorf("local list summaries: %w", err)
	}
	defer iter.Close()

	summaries := make([]store.MessageSummary, 0, 4)
	for iter.First(); iter.Valid(); iter.Next() {
		var summary store.MessageSummary
		if err := json.Unmarshal(iter.Value(), &summary); err != nil {
			return nil, fmt.Errorf("local decode summary %s: %w", iter.Key(), err)
		}
		summaries = append(summaries, summary)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("local list summaries: %w", err)
	}
	return summaries, nil
}
