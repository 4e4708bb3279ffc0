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

const messageColumns = `
	id,
	thread_id,
	from_public_key,
	from_handle,
	payload_type,
	payload_encrypted,
	timestamp,
	reply_to_id,
	status,
	is_outgoing,
	metadata,
	reactions,
	is_edited,
	edited_at,
	is_deleted`

func validateMessage(message models.Message) error {
	if message.ID == "" {
		return errors.New("message id is required")
	}
	if message.ThreadID == "" {
		return errors.New("thread id is required")
	}
	if message.FromPublicKey == "" {
		return errors.New("from public key is required")
	}
	if message.Payload == nil {
		return errors.New("payload is required")
	}
	if !message.Status.Valid() {
		return fmt.Errorf("invalid message status %q", message.Status)
	}
	if message.Timestamp <= 0 {
		return errors.New("timestamp is required")
	}
	return nil
}

func (s *Store) sealPayload(messageID string, payload models.Payload) (models.PayloadType, []byte, error) {
	payloadType, raw, err := models.EncodePayload(payload)
	if err != nil {
		return "", nil, fmt.Errorf("encode payload for %q: %w", messageID, err)
	}
	blob, err := s.seal(messageID, raw)
	if err != nil {
		return "", nil, err
	}
	return payloadType, blob, nil
}

// upsertMessageTx writes one message row and reports whether it was new.
// A replayed row keeps its local reactions, edits, deletion flag and any
// status it has already progressed past.
func (s *Store) upsertMessageTx(ctx context.Context, tx *sql.Tx, message models.Message) (bool, error) {
	if err := validateMessage(message); err != nil {
		return false, err
	}
	payloadType, blob, err := s.sealPayload(message.ID, message.Payload)
	if err != nil {
		return false, err
	}
	metadata, err := encodeJSONText(message.Metadata)
	if err != nil {
		return false, fmt.Errorf("encode message metadata: %w", err)
	}

	var (
		existingStatus string
		existingThread string
	)
	err = tx.QueryRowContext(ctx, `SELECT status, thread_id FROM messages WHERE id = ?`, message.ID).Scan(&existingStatus, &existingThread)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		reactions, err := encodeJSONText(message.Reactions)
		if err != nil {
			return false, fmt.Errorf("encode reactions: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			message.ID,
			message.ThreadID,
			message.FromPublicKey,
			message.FromHandle,
			string(payloadType),
			blob,
			message.Timestamp,
			message.ReplyToID,
			string(message.Status),
			boolToInt(message.IsOutgoing),
			metadata,
			reactions,
			boolToInt(message.IsEdited),
			nullInt64(message.EditedAt),
			boolToInt(message.IsDeleted),
		)
		if err != nil {
			return false, fmt.Errorf("insert message %q: %w", message.ID, err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("look up message %q: %w", message.ID, err)
	}

	if existingThread != message.ThreadID {
		return false, fmt.Errorf("message %q already belongs to thread %q", message.ID, existingThread)
	}
	status := models.Status(existingStatus)
	if status.CanTransitionTo(message.Status) {
		status = message.Status
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE messages SET
			from_handle = ?,
			payload_type = ?,
			payload_encrypted = ?,
			timestamp = ?,
			reply_to_id = ?,
			status = ?,
			metadata = ?
		WHERE id = ?`,
		message.FromHandle,
		string(payloadType),
		blob,
		message.Timestamp,
		message.ReplyToID,
		string(status),
		metadata,
		message.ID,
	)
	if err != nil {
		return false, fmt.Errorf("update message %q: %w", message.ID, err)
	}
	return false, nil
}

func bumpLastActivityTx(ctx context.Context, tx *sql.Tx, threadID string, timestamp int64) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE threads SET last_activity_at = MAX(last_activity_at, ?) WHERE id = ?`,
		timestamp, threadID,
	); err != nil {
		return fmt.Errorf("update last activity for thread %q: %w", threadID, err)
	}
	return nil
}

// SaveMessage upserts one message into an existing thread and advances the
// thread's last activity. It reports whether the row was new.
func (s *Store) SaveMessage(ctx context.Context, message models.Message) (bool, error) {
	var inserted bool
	err := s.write(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = s.upsertMessageTx(ctx, tx, message)
		if err != nil {
			return err
		}
		return bumpLastActivityTx(ctx, tx, message.ThreadID, message.Timestamp)
	})
	return inserted, err
}

// SaveMessagesBatch persists a whole sync batch in one transaction: threads
// are created, messages upserted, each affected thread's last activity is
// advanced once to the batch maximum, and unread counters grow by the number
// of newly inserted unread incoming messages. Nothing is visible on failure.
func (s *Store) SaveMessagesBatch(ctx context.Context, batch Batch) (BatchResult, error) {
	result := BatchResult{UnreadDelta: make(map[string]int)}
	if len(batch.Threads) == 0 && len(batch.Messages) == 0 && len(batch.Reactions) == 0 &&
		len(batch.Deletions) == 0 && len(batch.SeenIDs) == 0 {
		return result, nil
	}

	err := s.write(ctx, func(tx *sql.Tx) error {
		for _, thread := range batch.Threads {
			if _, err := ensureThreadTx(ctx, tx, thread); err != nil {
				return err
			}
		}

		maxTimestamp := make(map[string]int64)
		order := make([]string, 0)
		for _, message := range batch.Messages {
			inserted, err := s.upsertMessageTx(ctx, tx, message)
			if err != nil {
				return err
			}
			if _, ok := maxTimestamp[message.ThreadID]; !ok {
				order = append(order, message.ThreadID)
			}
			if message.Timestamp > maxTimestamp[message.ThreadID] {
				maxTimestamp[message.ThreadID] = message.Timestamp
			}
			if !inserted {
				continue
			}
			result.Inserted = append(result.Inserted, message)
			if !message.IsOutgoing && message.Status != models.StatusRead {
				result.UnreadDelta[message.ThreadID]++
			}
		}

		for _, threadID := range order {
			if err := bumpLastActivityTx(ctx, tx, threadID, maxTimestamp[threadID]); err != nil {
				return err
			}
			if n := result.UnreadDelta[threadID]; n > 0 {
				if _, err := tx.ExecContext(ctx,
					`UPDATE threads SET unread_count = unread_count + ? WHERE id = ?`, n, threadID,
				); err != nil {
					return fmt.Errorf("increment unread for thread %q: %w", threadID, err)
				}
			}
		}

		for _, change := range batch.Reactions {
			changed, err := applyReactionTx(ctx, tx, change)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if changed {
				result.Reacted = append(result.Reacted, change.MessageID)
			}
		}

		for _, deletion := range batch.Deletions {
			res, err := tx.ExecContext(ctx,
				`UPDATE messages SET is_deleted = 1 WHERE id = ? AND from_public_key = ? AND is_deleted = 0`,
				deletion.MessageID, deletion.FromPublicKey,
			)
			if err != nil {
				return fmt.Errorf("delete message %q: %w", deletion.MessageID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				result.Deleted = append(result.Deleted, deletion.MessageID)
			}
		}

		receivedAt := nowUnixMilli()
		for _, id := range batch.SeenIDs {
			if err := insertSeenIDTx(ctx, tx, id, receivedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}
	return result, nil
}

// GetMessage returns one decrypted message.
func (s *Store) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	if messageID == "" {
		return models.Message{}, errors.New("message id is required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT`+messageColumns+` FROM messages WHERE id = ?`, messageID)
	message, err := s.scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// GetMessages returns one page of a thread in ascending chronological order.
// Without a cursor it returns the most recent page.
func (s *Store) GetMessages(ctx context.Context, threadID string, page MessagePage) ([]models.Message, error) {
	if threadID == "" {
		return nil, errors.New("thread id is required")
	}
	if page.BeforeID != "" && page.AfterID != "" {
		return nil, errors.New("before and after cursors are mutually exclusive")
	}
	limit := page.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	query := strings.Builder{}
	query.WriteString(`SELECT` + messageColumns + ` FROM messages WHERE thread_id = ?`)
	args := []any{threadID}
	descending := true

	cursorID := page.BeforeID
	if page.AfterID != "" {
		cursorID = page.AfterID
		descending = false
	}
	if cursorID != "" {
		var cursorTimestamp int64
		err := s.db.QueryRowContext(ctx,
			`SELECT timestamp FROM messages WHERE id = ? AND thread_id = ?`, cursorID, threadID,
		).Scan(&cursorTimestamp)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("resolve cursor %q: %w", cursorID, err)
		}
		if descending {
			query.WriteString(` AND (timestamp < ? OR (timestamp = ? AND id < ?))`)
		} else {
			query.WriteString(` AND (timestamp > ? OR (timestamp = ? AND id > ?))`)
		}
		args = append(args, cursorTimestamp, cursorTimestamp, cursorID)
	}

	if descending {
		query.WriteString(` ORDER BY timestamp DESC, id DESC`)
	} else {
		query.WriteString(` ORDER BY timestamp ASC, id ASC`)
	}
	query.WriteString(` LIMIT ?`)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get messages for thread %q: %w", threadID, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := s.scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	if descending {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}
	return messages, nil
}

// UnreadMessageIDs lists incoming messages in a thread not yet marked read.
func (s *Store) UnreadMessageIDs(ctx context.Context, threadID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM messages
		WHERE thread_id = ? AND is_outgoing = 0 AND status != 'read'
		ORDER BY timestamp ASC, id ASC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("list unread messages for thread %q: %w", threadID, err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan unread message id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateMessageStatus moves a message forward in the status machine. Setting
// the current status again is a no-op; moving backwards returns ErrStatusRegression.
func (s *Store) UpdateMessageStatus(ctx context.Context, messageID string, status models.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid message status %q", status)
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, messageID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read status of message %q: %w", messageID, err)
		}
		if models.Status(current) == status {
			return nil
		}
		if !models.Status(current).CanTransitionTo(status) {
			return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, current, status)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ?`, string(status), messageID); err != nil {
			return fmt.Errorf("update status of message %q: %w", messageID, err)
		}
		return nil
	})
}

// MarkMessagesRead marks incoming messages of a thread read and zeroes the
// unread counter in the same transaction. An empty id list marks every
// unread incoming message. It returns the ids whose status changed.
func (s *Store) MarkMessagesRead(ctx context.Context, threadID string, messageIDs []string) ([]string, error) {
	if threadID == "" {
		return nil, errors.New("thread id is required")
	}
	var changed []string
	err := s.write(ctx, func(tx *sql.Tx) error {
		query := `SELECT id FROM messages WHERE thread_id = ? AND is_outgoing = 0 AND status != 'read'`
		args := []any{threadID}
		if len(messageIDs) > 0 {
			query += ` AND id IN (` + placeholders(len(messageIDs)) + `)`
			for _, id := range messageIDs {
				args = append(args, id)
			}
		}
		rows, err := tx.QueryContext(ctx, query+` ORDER BY timestamp ASC, id ASC`, args...)
		if err != nil {
			return fmt.Errorf("select unread messages: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan unread message id: %w", err)
			}
			changed = append(changed, id)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close unread rows: %w", err)
		}

		for _, id := range changed {
			if _, err := tx.ExecContext(ctx, `UPDATE messages SET status = 'read' WHERE id = ?`, id); err != nil {
				return fmt.Errorf("mark message %q read: %w", id, err)
			}
		}
		res, err := tx.ExecContext(ctx, `UPDATE threads SET unread_count = 0 WHERE id = ?`, threadID)
		if err != nil {
			return fmt.Errorf("reset unread count for thread %q: %w", threadID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// EditMessage replaces the payload of a non-deleted message and records the edit time.
func (s *Store) EditMessage(ctx context.Context, messageID string, payload models.Payload, editedAt int64) error {
	if payload == nil || !payload.Type().IsContent() {
		return errors.New("edit requires a content payload")
	}
	payloadType, blob, err := s.sealPayload(messageID, payload)
	if err != nil {
		return err
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET payload_type = ?, payload_encrypted = ?, is_edited = 1, edited_at = ?
			WHERE id = ? AND is_deleted = 0`,
			string(payloadType), blob, editedAt, messageID,
		)
		if err != nil {
			return fmt.Errorf("edit message %q: %w", messageID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SoftDeleteMessage flags a message deleted. Its row and ciphertext remain.
func (s *Store) SoftDeleteMessage(ctx context.Context, messageID string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE messages SET is_deleted = 1 WHERE id = ?`, messageID)
		if err != nil {
			return fmt.Errorf("delete message %q: %w", messageID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// AddReaction records publicKey's emoji on a message. Adding twice is a no-op.
func (s *Store) AddReaction(ctx context.Context, messageID, emoji, publicKey string) (bool, error) {
	return s.changeReaction(ctx, ReactionChange{MessageID: messageID, Emoji: emoji, PublicKey: publicKey})
}

// RemoveReaction drops publicKey's emoji. Removing a missing entry is a no-op.
func (s *Store) RemoveReaction(ctx context.Context, messageID, emoji, publicKey string) (bool, error) {
	return s.changeReaction(ctx, ReactionChange{MessageID: messageID, Emoji: emoji, PublicKey: publicKey, Remove: true})
}

func (s *Store) changeReaction(ctx context.Context, change ReactionChange) (bool, error) {
	var changed bool
	err := s.write(ctx, func(tx *sql.Tx) error {
		var err error
		changed, err = applyReactionTx(ctx, tx, change)
		return err
	})
	return changed, err
}

func applyReactionTx(ctx context.Context, tx *sql.Tx, change ReactionChange) (bool, error) {
	if change.MessageID == "" || change.Emoji == "" || change.PublicKey == "" {
		return false, errors.New("reaction requires message id, emoji and public key")
	}
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT reactions FROM messages WHERE id = ?`, change.MessageID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read reactions of %q: %w", change.MessageID, err)
	}

	reactions := make(map[string][]string)
	if err := json.Unmarshal([]byte(raw), &reactions); err != nil {
		return false, fmt.Errorf("decode reactions of %q: %w", change.MessageID, err)
	}
	var changed bool
	if change.Remove {
		changed = models.RemoveReaction(reactions, change.Emoji, change.PublicKey)
	} else {
		changed = models.AddReaction(reactions, change.Emoji, change.PublicKey)
	}
	if !changed {
		return false, nil
	}

	encoded, err := encodeJSONText(reactions)
	if err != nil {
		return false, fmt.Errorf("encode reactions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET reactions = ? WHERE id = ?`, encoded, change.MessageID); err != nil {
		return false, fmt.Errorf("update reactions of %q: %w", change.MessageID, err)
	}
	return true, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *Store) scanMessage(row scanner) (models.Message, error) {
	var (
		message     models.Message
		payloadType string
		blob        []byte
		status      string
		isOutgoing  int
		metadata    string
		reactions   string
		isEdited    int
		editedAt    sql.NullInt64
		isDeleted   int
	)
	if err := row.Scan(
		&message.ID,
		&message.ThreadID,
		&message.FromPublicKey,
		&message.FromHandle,
		&payloadType,
		&blob,
		&message.Timestamp,
		&message.ReplyToID,
		&status,
		&isOutgoing,
		&metadata,
		&reactions,
		&isEdited,
		&editedAt,
		&isDeleted,
	); err != nil {
		return models.Message{}, err
	}

	plaintext, err := s.open(message.ID, blob)
	if err != nil {
		return models.Message{}, err
	}
	message.PayloadType = models.PayloadType(payloadType)
	message.Payload, err = models.DecodePayload(message.PayloadType, plaintext)
	if err != nil {
		return models.Message{}, fmt.Errorf("decode payload of %q: %w", message.ID, err)
	}

	message.Status = models.Status(status)
	message.IsOutgoing = isOutgoing == 1
	message.IsEdited = isEdited == 1
	message.EditedAt = int64Ptr(editedAt)
	message.IsDeleted = isDeleted == 1
	if err := json.Unmarshal([]byte(metadata), &message.Metadata); err != nil {
		return models.Message{}, fmt.Errorf("decode message metadata: %w", err)
	}
	if len(message.Metadata) == 0 {
		message.Metadata = nil
	}
	if err := json.Unmarshal([]byte(reactions), &message.Reactions); err != nil {
		return models.Message{}, fmt.Errorf("decode reactions: %w", err)
	}
	if len(message.Reactions) == 0 {
		message.Reactions = nil
	}
	return message, nil
}
