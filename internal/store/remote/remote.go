package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"loomchat/backend/internal/store"
)

// Store is the relational data gateway. All reads and writes are scoped to
// the owning user; cross-user access goes through share grants and public
// visibility, which only exist here.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) Store {
	return Store{db: db}
}

func scanThread(row interface{ Scan(...any) error }) (store.Thread, error) {
	var (
		out       store.Thread
		isBranch  int
		isPublic  int
		parent    sql.NullString
		createdAt string
		updatedAt string
		lastMsgAt string
	)
	if err := row.Scan(&out.ID, &out.Title, &isBranch, &parent, &isPublic, &createdAt, &updatedAt, &lastMsgAt); err != nil {
		return store.Thread{}, err
	}
	out.IsBranch = isBranch != 0
	out.IsPublic = isPublic != 0
	out.ParentThreadID = parent.String

	var err error
	if out.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return store.Thread{}, fmt.Errorf("parse thread created_at: %w", err)
	}
	if out.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
		return store.Thread{}, fmt.Errorf("parse thread updated_at: %w", err)
	}
	if out.LastMessageAt, err = store.ParseTime(lastMsgAt); err != nil {
		return store.Thread{}, fmt.Errorf("parse thread last_message_at: %w", err)
	}
	return out, nil
}

const threadColumns = `id, title, is_branch, parent_thread_id, is_public, created_at, updated_at, last_message_at`

func (s Store) ListThreads(ctx context.Context, ownerID string) ([]store.Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+threadColumns+`
FROM threads
WHERE owner_id = ?
ORDER BY last_message_at DESC;
`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	threads := make([]store.Thread, 0, 8)
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("list threads: %w", err)
		}
		threads = append(threads, thread)
	}
	return threads, rows.Err()
}

func (s Store) GetThread(ctx context.Context, ownerID, threadID string) (store.Thread, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+threadColumns+`
FROM threads
WHERE owner_id = ? AND id = ?
LIMIT 1;
`, ownerID, threadID)

	thread, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Thread{}, store.ErrNotFound
	}
	if err != nil {
		return store.Thread{}, fmt.Errorf("get thread: %w", err)
	}
	return thread, nil
}

func (s Store) CreateThread(ctx context.Context, ownerID string, thread store.Thread) error {
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

	var parent any
	if strings.TrimSpace(thread.ParentThreadID) != "" {
		parent = thread.ParentThreadID
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO threads (id, owner_id, title, is_branch, parent_thread_id, is_public, created_at, updated_at, last_message_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		thread.ID,
		ownerID,
		strings.TrimSpace(thread.Title),
		boolToInt(thread.IsBranch),
		parent,
		boolToInt(thread.IsPublic),
		store.FormatTime(thread.CreatedAt),
		store.FormatTime(thread.UpdatedAt),
		store.FormatTime(thread.LastMessageAt),
	)
	if err != nil {
		return fmt.Errorf("create thread: %w", err)
	}
	return nil
}

func (s Store) UpdateThread(ctx context.Context, ownerID, threadID string, patch store.ThreadPatch) error {
	assignments := make([]string, 0, 3)
	args := make([]any, 0, 5)
	if patch.Title != nil {
		assignments = append(assignments, "title = ?")
		args = append(args, strings.TrimSpace(*patch.Title))
	}
	if patch.IsBranch != nil {
		assignments = append(assignments, "is_branch = ?")
		args = append(args, boolToInt(*patch.IsBranch))
	}
	if len(assignments) == 0 {
		return nil
	}
	assignments = append(assignments, "updated_at = ?")
	args = append(args, store.FormatTime(time.Now()), ownerID, threadID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE threads SET `+strings.Join(assignments, ", ")+` WHERE owner_id = ? AND id = ?;`, args...)
	if err != nil {
		return fmt.Errorf("update thread: %w", err)
	}
	return requireAffected(result, "update thread")
}

// Child rows are removed explicitly inside the transaction rather than via
// ON DELETE CASCADE: SQLite's foreign_keys pragma is per-connection, so the
// cascade cannot be relied on across a connection pool.
func (s Store) DeleteThread(ctx context.Context, ownerID, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE owner_id = ? AND id = ?;`, ownerID, threadID)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	if err := requireAffected(result, "delete thread"); err != nil {
		return err
	}

	for _, query := range []string{
		`DELETE FROM message_summaries WHERE thread_id = ?;`,
		`DELETE FROM thread_shares WHERE thread_id = ?;`,
		`DELETE FROM messages WHERE thread_id = ?;`,
	} {
		if _, err := tx.ExecContext(ctx, query, threadID); err != nil {
			return fmt.Errorf("delete thread children: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}

func (s Store) DeleteAllThreads(ctx context.Context, ownerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete all threads: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, query := range []string{
		`DELETE FROM message_summaries WHERE thread_id IN (SELECT id FROM threads WHERE owner_id = ?);`,
		`DELETE FROM thread_shares WHERE thread_id IN (SELECT id FROM threads WHERE owner_id = ?);`,
		`DELETE FROM messages WHERE thread_id IN (SELECT id FROM threads WHERE owner_id = ?);`,
		`DELETE FROM threads WHERE owner_id = ?;`,
	} {
		if _, err := tx.ExecContext(ctx, query, ownerID); err != nil {
			return fmt.Errorf("delete all threads: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete all threads: %w", err)
	}
	return nil
}

func (s Store) ListMessages(ctx context.Context, ownerID, threadID string) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT m.id, m.thread_id, m.role, m.content, m.parts, m.sources, m.reasoning, m.created_at
FROM messages m
JOIN threads t ON t.id = m.thread_id
WHERE t.owner_id = ? AND m.thread_id = ?
ORDER BY m.created_at ASC;
`, ownerID, threadID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return scanMessages(rows)
}

// GetSharedThread returns a thread a non-owner may view: the thread is
// public, or its creator granted the viewer's email access. The empty email
// (anonymous callers) only ever sees public threads.
func (s Store) GetSharedThread(ctx context.Context, viewerEmail, threadID string) (store.Thread, error) {
	email := strings.ToLower(strings.TrimSpace(viewerEmail))
	row := s.db.QueryRowContext(ctx, `
SELECT `+threadColumns+`
FROM threads
WHERE id = ? AND (is_public = 1 OR (? <> '' AND EXISTS (
  SELECT 1 FROM thread_shares WHERE thread_id = threads.id AND email = ?
)))
LIMIT 1;
`, threadID, email, email)

	thread, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Thread{}, store.ErrNotFound
	}
	if err != nil {
		return store.Thread{}, fmt.Errorf("get shared thread: %w", err)
	}
	return thread, nil
}

// ListSharedMessages lists the messages of a thread the viewer can see
// through a share grant or public visibility, without owning it.
func (s Store) ListSharedMessages(ctx context.Context, viewerEmail, threadID string) ([]store.Message, error) {
	if _, err := s.GetSharedThread(ctx, viewerEmail, threadID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, thread_id, role, content, parts, sources, reasoning, created_at
FROM messages
WHERE thread_id = ?
ORDER BY created_at ASC;
`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list shared messages: %w", err)
	}
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]store.Message, error) {
	defer rows.Close()

	messages := make([]store.Message, 0, 16)
	for rows.Next() {
		var (
			message   store.Message
			parts     string
			sources   string
			createdAt string
		)
		if err := rows.Scan(&message.ID, &message.ThreadID, &message.Role, &message.Content, &parts, &sources, &message.Reasoning, &createdAt); err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		if err := json.Unmarshal([]byte(parts), &message.Parts); err != nil {
			return nil, fmt.Errorf("decode message parts: %w", err)
		}
		if err := json.Unmarshal([]byte(sources), &message.Sources); err != nil {
			return nil, fmt.Errorf("decode message sources: %w", err)
		}
		var err error
		if message.CreatedAt, err = store.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse message created_at: %w", err)
		}
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

func (s Store) CreateMessage(ctx context.Context, ownerID string, message store.Message) error {
	if _, err := s.GetThread(ctx, ownerID, message.ThreadID); err != nil {
		return err
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	parts, err := json.Marshal(emptyIfNilParts(message.Parts))
	if err != nil {
		return fmt.Errorf("encode message parts: %w", err)
	}
	sources, err := json.Marshal(emptyIfNilSources(message.Sources))
	if err != nil {
		return fmt.Errorf("encode message sources: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (id, thread_id, role, content, parts, sources, reasoning, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`,
		message.ID,
		message.ThreadID,
		message.Role,
		message.Content,
		string(parts),
		string(sources),
		message.Reasoning,
		store.FormatTime(message.CreatedAt),
	); err != nil {
		return fmt.Errorf("create message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE threads SET last_message_at = ?, updated_at = ? WHERE owner_id = ? AND id = ?;
`, store.FormatTime(message.CreatedAt), store.FormatTime(message.CreatedAt), ownerID, message.ThreadID); err != nil {
		return fmt.Errorf("bump thread last_message_at: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (s Store) HasMessage(ctx context.Context, ownerID, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
SELECT 1 FROM messages m JOIN threads t ON t.id = m.thread_id
WHERE t.owner_id = ? AND m.id = ? LIMIT 1;
`, ownerID, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has message: %w", err)
	}
	return true, nil
}

func (s Store) UpdateMessageSources(ctx context.Context, ownerID, messageID string, sources []store.SearchSource) error {
	encoded, err := json.Marshal(emptyIfNilSources(sources))
	if err != nil {
		return fmt.Errorf("encode message sources: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
UPDATE messages SET sources = ?
WHERE id = ? AND thread_id IN (SELECT id FROM threads WHERE owner_id = ?);
`, string(encoded), messageID, ownerID)
	if err != nil {
		return fmt.Errorf("update message sources: %w", err)
	}
	return requireAffected(result, "update message sources")
}

func (s Store) UpdateMessageReasoning(ctx context.Context, ownerID, messageID, reasoning string) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE messages SET reasoning = ?
WHERE id = ? AND thread_id IN (SELECT id FROM threads WHERE owner_id = ?);
`, reasoning, messageID, ownerID)
	if err != nil {
		return fmt.Errorf("update message reasoning: %w", err)
	}
	return requireAffected(result, "update message reasoning")
}

func (s Store) DeleteTrailingMessages(ctx context.Context, ownerID, threadID string, from time.Time, inclusive bool) error {
	if _, err := s.GetThread(ctx, ownerID, threadID); err != nil {
		return err
	}
	boundary := store.FormatTime(store.TrailingBoundary(from, inclusive))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete trailing messages: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
DELETE FROM message_summaries
WHERE thread_id = ? AND message_id IN (
  SELECT id FROM messages WHERE thread_id = ? AND created_at >= ?
);
`, threadID, threadID, boundary); err != nil {
		return fmt.Errorf("delete trailing summaries: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
DELETE FROM messages WHERE thread_id = ? AND created_at >= ?;
`, threadID, boundary); err != nil {
		return fmt.Errorf("delete trailing messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete trailing messages: %w", err)
	}
	return nil
}

func (s Store) CreateMessageSummary(ctx context.Context, ownerID string, summary store.MessageSummary) error {
	if _, err := s.GetThread(ctx, ownerID, summary.ThreadID); err != nil {
		return err
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO message_summaries (id, thread_id, message_id, content, created_at)
VALUES (?, ?, ?, ?, ?);
`, summary.ID, summary.ThreadID, summary.MessageID, summary.Content, store.FormatTime(summary.CreatedAt))
	if err != nil {
		return fmt.Errorf("create message summary: %w", err)
	}
	return nil
}

func (s Store) HasMessageSummary(ctx context.Context, ownerID, summaryID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
SELECT 1 FROM message_summaries ms JOIN threads t ON t.id = ms.thread_id
WHERE t.owner_id = ? AND ms.id = ? LIMIT 1;
`, ownerID, summaryID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has message summary: %w", err)
	}
	return true, nil
}

func (s Store) ListMessageSummaries(ctx context.Context, ownerID, threadID string) ([]store.MessageSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT ms.id, ms.thread_id, ms.message_id, ms.content, ms.created_at
FROM message_summaries ms
JOIN threads t ON t.id = ms.thread_id
WHERE t.owner_id = ? AND ms.thread_id = ?
ORDER BY ms.created_at ASC;
`, ownerID, threadID)
	if err != nil {
		return nil, fmt.Errorf("list message summaries: %w", err)
	}
	defer rows.Close()

	summaries := make([]store.MessageSummary, 0, 4)
	for rows.Next() {
		var (
			summary   store.MessageSummary
			createdAt string
		)
		if err := rows.Scan(&summary.ID, &summary.ThreadID, &summary.MessageID, &summary.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("list message summaries: %w", err)
		}
		if summary.CreatedAt, err = store.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse summary created_at: %w", err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

// ShareThread grants the given emails access to a thread. Only the creator
// may manage sharing; violations are ErrForbidden and never fall back.
func (s Store) ShareThread(ctx context.Context, ownerID, threadID string, emails []string, canWrite bool) error {
	if err := s.requireCreator(ctx, ownerID, threadID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("share thread: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := store.FormatTime(time.Now())
	for _, email := range emails {
		email = strings.ToLower(strings.TrimSpace(email))
		if email == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO thread_shares (thread_id, email, can_write, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(thread_id, email) DO UPDATE SET can_write = excluded.can_write;
`, threadID, email, boolToInt(canWrite), now); err != nil {
			return fmt.Errorf("share thread with %s: %w", email, err)
		}
	}
	return tx.Commit()
}

func (s Store) UnshareThread(ctx context.Context, ownerID, threadID, email string) error {
	if err := s.requireCreator(ctx, ownerID, threadID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM thread_shares WHERE thread_id = ? AND email = ?;`,
		threadID, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return fmt.Errorf("unshare thread: %w", err)
	}
	return nil
}

func (s Store) ListShares(ctx context.Context, ownerID, threadID string) ([]store.ShareGrant, error) {
	if err := s.requireCreator(ctx, ownerID, threadID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT thread_id, email, can_write, created_at FROM thread_shares WHERE thread_id = ? ORDER BY email;
`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	defer rows.Close()

	grants := make([]store.ShareGrant, 0, 4)
	for rows.Next() {
		var (
			grant     store.ShareGrant
			canWrite  int
			createdAt string
		)
		if err := rows.Scan(&grant.ThreadID, &grant.Email, &canWrite, &createdAt); err != nil {
			return nil, fmt.Errorf("list shares: %w", err)
		}
		grant.CanWrite = canWrite != 0
		if grant.CreatedAt, err = store.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse share created_at: %w", err)
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

func (s Store) SetThreadPublic(ctx context.Context, ownerID, threadID string, isPublic bool) error {
	if err := s.requireCreator(ctx, ownerID, threadID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE threads SET is_public = ?, updated_at = ? WHERE id = ?;
`, boolToInt(isPublic), store.FormatTime(time.Now()), threadID)
	if err != nil {
		return fmt.Errorf("set thread public: %w", err)
	}
	return nil
}

// requireCreator distinguishes "thread missing" from "thread belongs to
// someone else" so the handler can answer 404 vs 403.
func (s Store) requireCreator(ctx context.Context, ownerID, threadID string) error {
	var creator string
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM threads WHERE id = ? LIMIT 1;`, threadID).Scan(&creator)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("resolve thread creator: %w", err)
	}
	if creator != ownerID {
		return store.ErrForbidden
	}
	return nil
}

func requireAffected(result sql.Result, operation string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func emptyIfNilParts(parts []store.MessagePart) []store.MessagePart {
	if parts == nil {
		return []store.MessagePart{}
	}
	return parts
}

func emptyIfNilSources(sources []store.SearchSource) []store.SearchSource {
	if sources == nil {
		return []store.SearchSource{}
	}
	return sources
}
