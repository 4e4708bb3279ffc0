package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"relaychat/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrStatusRegression indicates a status change that would move a message backwards.
	ErrStatusRegression = errors.New("storage: status transition not allowed")
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// SecurityEvent stores structured security-relevant runtime events.
type SecurityEvent struct {
	ID            int64
	EventType     string
	PeerPublicKey *string
	Details       string
	Severity      string
	Timestamp     int64
}

// SecurityEventFilter narrows GetSecurityEvents query results.
type SecurityEventFilter struct {
	EventType     string
	PeerPublicKey string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

// MessagePage selects a window of a thread. BeforeID and AfterID are
// resolved to the referenced message's timestamp; at most one may be set.
type MessagePage struct {
	Limit    int
	BeforeID string
	AfterID  string
}

// ThreadFilter narrows ListThreads.
type ThreadFilter struct {
	IncludeArchived bool
	OnlyArchived    bool
}

// ReactionChange is one reaction add or remove applied inside a batch.
type ReactionChange struct {
	MessageID string
	Emoji     string
	PublicKey string
	Remove    bool
}

// Deletion soft-deletes a message inside a batch. Only the original author may delete.
type Deletion struct {
	MessageID     string
	FromPublicKey string
}

// Batch is everything one sync pass persists atomically.
type Batch struct {
	Threads   []models.Thread
	Messages  []models.Message
	Reactions []ReactionChange
	Deletions []Deletion
	SeenIDs   []string
}

// BatchResult reports what a batch actually changed.
type BatchResult struct {
	// Inserted lists messages that did not exist before, in batch order.
	Inserted []models.Message
	// UnreadDelta counts newly inserted unread incoming messages per thread.
	UnreadDelta map[string]int
	// Reacted lists message ids whose reaction sets changed.
	Reacted []string
	// Deleted lists message ids newly marked deleted.
	Deleted []string
}

type scanner interface {
	Scan(dest ...any) error
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func encodeJSONText(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(raw) == "null" {
		return "{}", nil
	}
	return string(raw), nil
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
