package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"relaychat/crypto"
)

const (
	// DefaultDBFileName is the SQLite filename under app data dir.
	DefaultDBFileName = "messages.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultSecurityEventRetention controls automatic security event pruning.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour
	// DefaultSeenIDRetention bounds how long processed envelope ids are kept.
	DefaultSeenIDRetention = 30 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS threads (
  id                TEXT PRIMARY KEY,
  type              TEXT NOT NULL CHECK(type IN ('direct','group')),
  participant_keys  TEXT NOT NULL,
  title             TEXT NOT NULL DEFAULT '',
  avatar_url        TEXT NOT NULL DEFAULT '',
  created_at        INTEGER NOT NULL,
  last_activity_at  INTEGER NOT NULL,
  unread_count      INTEGER NOT NULL DEFAULT 0 CHECK(unread_count >= 0),
  is_pinned         INTEGER NOT NULL DEFAULT 0,
  is_muted          INTEGER NOT NULL DEFAULT 0,
  is_archived       INTEGER NOT NULL DEFAULT 0,
  draft_encrypted   BLOB,
  metadata          TEXT NOT NULL DEFAULT '{}'
);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  id                 TEXT PRIMARY KEY,
  thread_id          TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
  from_public_key    TEXT NOT NULL,
  from_handle        TEXT NOT NULL DEFAULT '',
  payload_type       TEXT NOT NULL,
  payload_encrypted  BLOB NOT NULL,
  timestamp          INTEGER NOT NULL,
  reply_to_id        TEXT NOT NULL DEFAULT '',
  status             TEXT NOT NULL CHECK(status IN ('sending','sent','delivered','read','failed')),
  is_outgoing        INTEGER NOT NULL DEFAULT 0,
  metadata           TEXT NOT NULL DEFAULT '{}',
  reactions          TEXT NOT NULL DEFAULT '{}',
  is_edited          INTEGER NOT NULL DEFAULT 0,
  edited_at          INTEGER,
  is_deleted         INTEGER NOT NULL DEFAULT 0
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_thread_time
ON messages (thread_id, timestamp, id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_threads_listing
ON threads (is_archived, is_pinned DESC, last_activity_at DESC);
`,
	`
CREATE TABLE IF NOT EXISTS seen_envelope_ids (
  envelope_id TEXT PRIMARY KEY,
  received_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_seen_envelope_received_at
ON seen_envelope_ids (received_at);
`,
	`
CREATE TABLE IF NOT EXISTS security_events (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type      TEXT NOT NULL,
  peer_public_key TEXT,
  details         TEXT NOT NULL,
  severity        TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp       INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_time
ON security_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_type
ON security_events (event_type, timestamp DESC, id DESC);
`,
}

// Store is the encrypted local message store. Payloads and drafts are
// sealed under a key derived from the identity; everything else is
// plaintext metadata needed for queries.
type Store struct {
	db  *sql.DB
	key []byte

	// writeMu serializes write transactions so concurrent sync passes and
	// user sends never contend for the SQLite write lock.
	writeMu sync.Mutex

	walCheckpointInterval  time.Duration
	walCheckpointStop      chan struct{}
	walCheckpointWG        sync.WaitGroup
	securityEventRetention time.Duration
	closeOnce              sync.Once
}

// Open opens (or creates) messages.db under the given data directory and runs migrations.
func Open(dataDir string, key []byte) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, key)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string, key []byte) (*Store, error) {
	if len(key) != crypto.KeySize {
		return nil, fmt.Errorf("storage key must be %d bytes, got %d", crypto.KeySize, len(key))
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                     db,
		key:                    append([]byte(nil), key...),
		walCheckpointInterval:  DefaultWALCheckpointInterval,
		walCheckpointStop:      make(chan struct{}),
		securityEventRetention: DefaultSecurityEventRetention,
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
	})
	return closeErr
}

// write runs fn inside one immediate transaction under the store write lock.
func (s *Store) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logrus.WithFields(logrus.Fields{
				"function": "write",
				"error":    rbErr.Error(),
			}).Warn("Rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "applyMigrations",
		"from":     version,
		"to":       len(migrations),
	}).Debug("Applied schema migrations")
	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.checkpointWAL(); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "startWALCheckpointLoop",
						"error":    err.Error(),
					}).Warn("Periodic WAL checkpoint failed")
				}
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
