package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"relaychat/models"
)

const threadColumns = `
	id,
	type,
	participant_keys,
	title,
	avatar_url,
	created_at,
	last_activity_at,
	unread_count,
	is_pinned,
	is_muted,
	is_archived,
	draft_encrypted,
	metadata`

func validateThread(thread models.Thread) error {
	if thread.ID == "" {
		return errors.New("thread id is required")
	}
	if thread.Type != models.ThreadDirect && thread.Type != models.ThreadGroup {
		return fmt.Errorf("invalid thread type %q", thread.Type)
	}
	if len(thread.ParticipantKeys) == 0 {
		return errors.New("thread participants are required")
	}
	if thread.Type == models.ThreadDirect {
		if len(thread.ParticipantKeys) != 2 {
			return fmt.Errorf("direct thread needs 2 participants, got %d", len(thread.ParticipantKeys))
		}
		if want := models.DirectThreadID(thread.ParticipantKeys[0], thread.ParticipantKeys[1]); thread.ID != want {
			return fmt.Errorf("direct thread id %q does not match participants", thread.ID)
		}
	}
	return nil
}

func threadArgs(thread models.Thread) ([]any, error) {
	participants, err := json.Marshal(thread.ParticipantKeys)
	if err != nil {
		return nil, fmt.Errorf("encode participants: %w", err)
	}
	metadata, err := encodeJSONText(thread.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode thread metadata: %w", err)
	}
	if thread.CreatedAt == 0 {
		thread.CreatedAt = nowUnixMilli()
	}
	if thread.LastActivityAt == 0 {
		thread.LastActivityAt = thread.CreatedAt
	}
	return []any{
		thread.ID,
		string(thread.Type),
		string(participants),
		thread.Title,
		thread.AvatarURL,
		thread.CreatedAt,
		thread.LastActivityAt,
		metadata,
	}, nil
}

// ensureThreadTx inserts the thread when missing and reports whether it did.
func ensureThreadTx(ctx context.Context, tx *sql.Tx, thread models.Thread) (bool, error) {
	if err := validateThread(thread); err != nil {
		return false, err
	}
	args, err := threadArgs(thread)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO threads (
			id, type, participant_keys, title, avatar_url, created_at, last_activity_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("ensure thread %q: %w", thread.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for thread %q: %w", thread.ID, err)
	}
	return n == 1, nil
}

// EnsureThread creates the thread if it does not exist. Existing rows are untouched.
func (s *Store) EnsureThread(ctx context.Context, thread models.Thread) (bool, error) {
	var created bool
	err := s.write(ctx, func(tx *sql.Tx) error {
		var err error
		created, err = ensureThreadTx(ctx, tx, thread)
		return err
	})
	return created, err
}

// UpsertThread inserts the thread or updates its descriptive fields. Counters,
// flags and drafts of an existing row are preserved; last activity only moves forward.
func (s *Store) UpsertThread(ctx context.Context, thread models.Thread) error {
	if err := validateThread(thread); err != nil {
		return err
	}
	args, err := threadArgs(thread)
	if err != nil {
		return err
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO threads (
				id, type, participant_keys, title, avatar_url, created_at, last_activity_at, metadata
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				participant_keys = excluded.participant_keys,
				title = excluded.title,
				avatar_url = excluded.avatar_url,
				metadata = excluded.metadata,
				last_activity_at = MAX(threads.last_activity_at, excluded.last_activity_at)`,
			args...,
		)
		if err != nil {
			return fmt.Errorf("upsert thread %q: %w", thread.ID, err)
		}
		return nil
	})
}

// GetThread returns one thread with its draft decrypted.
func (s *Store) GetThread(ctx context.Context, threadID string) (models.Thread, error) {
	if threadID == "" {
		return models.Thread{}, errors.New("thread id is required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT`+threadColumns+` FROM threads WHERE id = ?`, threadID)
	thread, err := s.scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Thread{}, ErrNotFound
	}
	if err != nil {
		return models.Thread{}, fmt.Errorf("get thread %q: %w", threadID, err)
	}
	return thread, nil
}

// ListThreads returns pinned threads first, then by most recent activity.
func (s *Store) ListThreads(ctx context.Context, filter ThreadFilter) ([]models.Thread, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT` + threadColumns + ` FROM threads`)
	switch {
	case filter.OnlyArchived:
		query.WriteString(` WHERE is_archived = 1`)
	case !filter.IncludeArchived:
		query.WriteString(` WHERE is_archived = 0`)
	}
	query.WriteString(` ORDER BY is_pinned DESC, last_activity_at DESC, id ASC`)

	rows, err := s.db.QueryContext(ctx, query.String())
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	threads := make([]models.Thread, 0)
	for rows.Next() {
		thread, err := s.scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread row: %w", err)
		}
		threads = append(threads, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thread rows: %w", err)
	}
	return threads, nil
}

// DeleteThread removes a thread and, by cascade, all of its messages.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	return s.updateThread(ctx, threadID, `DELETE FROM threads WHERE id = ?`, threadID)
}

// SetThreadPinned toggles the pinned flag.
func (s *Store) SetThreadPinned(ctx context.Context, threadID string, pinned bool) error {
	return s.updateThread(ctx, threadID, `UPDATE threads SET is_pinned = ? WHERE id = ?`, boolToInt(pinned), threadID)
}

// SetThreadMuted toggles the muted flag.
func (s *Store) SetThreadMuted(ctx context.Context, threadID string, muted bool) error {
	return s.updateThread(ctx, threadID, `UPDATE threads SET is_muted = ? WHERE id = ?`, boolToInt(muted), threadID)
}

// SetThreadArchived toggles the archived flag.
func (s *Store) SetThreadArchived(ctx context.Context, threadID string, archived bool) error {
	return s.updateThread(ctx, threadID, `UPDATE threads SET is_archived = ? WHERE id = ?`, boolToInt(archived), threadID)
}

// SaveDraft stores an encrypted draft; empty text clears it.
func (s *Store) SaveDraft(ctx context.Context, threadID, text string) error {
	var blob any
	if text != "" {
		sealed, err := s.seal(draftRowID(threadID), []byte(text))
		if err != nil {
			return err
		}
		blob = sealed
	}
	return s.updateThread(ctx, threadID, `UPDATE threads SET draft_encrypted = ? WHERE id = ?`, blob, threadID)
}

// IncrementUnread adds n to the unread counter.
func (s *Store) IncrementUnread(ctx context.Context, threadID string, n int) error {
	if n < 0 {
		return fmt.Errorf("unread increment must be >= 0, got %d", n)
	}
	return s.updateThread(ctx, threadID, `UPDATE threads SET unread_count = unread_count + ? WHERE id = ?`, n, threadID)
}

// MarkThreadRead sets the unread counter to exactly zero.
func (s *Store) MarkThreadRead(ctx context.Context, threadID string) error {
	return s.updateThread(ctx, threadID, `UPDATE threads SET unread_count = 0 WHERE id = ?`, threadID)
}

func (s *Store) updateThread(ctx context.Context, threadID, query string, args ...any) error {
	if threadID == "" {
		return errors.New("thread id is required")
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update thread %q: %w", threadID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("read rows affected for thread %q: %w", threadID, err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func draftRowID(threadID string) string {
	return "draft:" + threadID
}

func (s *Store) scanThread(row scanner) (models.Thread, error) {
	var (
		thread       models.Thread
		threadType   string
		participants string
		isPinned     int
		isMuted      int
		isArchived   int
		draft        []byte
		metadata     string
	)
	if err := row.Scan(
		&thread.ID,
		&threadType,
		&participants,
		&thread.Title,
		&thread.AvatarURL,
		&thread.CreatedAt,
		&thread.LastActivityAt,
		&thread.UnreadCount,
		&isPinned,
		&isMuted,
		&isArchived,
		&draft,
		&metadata,
	); err != nil {
		return models.Thread{}, err
	}

	thread.Type = models.ThreadType(threadType)
	thread.IsPinned = isPinned == 1
	thread.IsMuted = isMuted == 1
	thread.IsArchived = isArchived == 1
	if err := json.Unmarshal([]byte(participants), &thread.ParticipantKeys); err != nil {
		return models.Thread{}, fmt.Errorf("decode participants: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &thread.Metadata); err != nil {
		return models.Thread{}, fmt.Errorf("decode thread metadata: %w", err)
	}
	if len(thread.Metadata) == 0 {
		thread.Metadata = nil
	}
	if len(draft) > 0 {
		text, err := s.open(draftRowID(thread.ID), draft)
		if err != nil {
			return models.Thread{}, err
		}
		thread.DraftText = string(text)
	}
	return thread, nil
}
