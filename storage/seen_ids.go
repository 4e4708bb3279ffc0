package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func insertSeenIDTx(ctx context.Context, tx *sql.Tx, envelopeID string, receivedAt int64) error {
	if envelopeID == "" {
		return errors.New("envelope id is required")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO seen_envelope_ids (envelope_id, received_at)
		VALUES (?, ?)
		ON CONFLICT(envelope_id) DO UPDATE SET received_at = excluded.received_at`,
		envelopeID,
		receivedAt,
	); err != nil {
		return fmt.Errorf("insert seen envelope ID %q: %w", envelopeID, err)
	}
	return nil
}

// InsertSeenID records a processed envelope ID used for replay protection.
func (s *Store) InsertSeenID(ctx context.Context, envelopeID string, receivedAt int64) error {
	if receivedAt == 0 {
		receivedAt = nowUnixMilli()
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		return insertSeenIDTx(ctx, tx, envelopeID, receivedAt)
	})
}

// HasSeenID returns true if an envelope ID has already been processed.
func (s *Store) HasSeenID(ctx context.Context, envelopeID string) (bool, error) {
	if envelopeID == "" {
		return false, errors.New("envelope id is required")
	}

	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM seen_envelope_ids WHERE envelope_id = ?)`,
		envelopeID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check seen envelope ID %q: %w", envelopeID, err)
	}

	return exists == 1, nil
}

// PruneSeenIDs removes seen_envelope_ids rows older than cutoff timestamp.
func (s *Store) PruneSeenIDs(ctx context.Context, cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	var rowsAffected int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM seen_envelope_ids WHERE received_at < ?`, cutoffTimestamp)
		if err != nil {
			return fmt.Errorf("prune seen envelope IDs: %w", err)
		}
		rowsAffected, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("read rows affected for seen ID prune: %w", err)
		}
		return nil
	})
	return rowsAffected, err
}
