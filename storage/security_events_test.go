package storage

import (
	"context"
	"testing"
	"time"
)

func TestLogAndQuerySecurityEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := nowUnixMilli()
	peerKey := "peer-security-key"

	if err := store.LogSecurityEvent(ctx, SecurityEvent{
		EventType:     "envelope_replayed",
		PeerPublicKey: &peerKey,
		Details:       `{"envelope_id":"env-1"}`,
		Severity:      SecuritySeverityWarning,
		Timestamp:     now - 1_000,
	}); err != nil {
		t.Fatalf("LogSecurityEvent replay failed: %v", err)
	}
	if err := store.LogSecurityEvent(ctx, SecurityEvent{
		EventType:     "envelope_signature_invalid",
		PeerPublicKey: &peerKey,
		Details:       `{"envelope_id":"env-2","payload_type":"text.plain"}`,
		Severity:      SecuritySeverityCritical,
		Timestamp:     now,
	}); err != nil {
		t.Fatalf("LogSecurityEvent signature failed: %v", err)
	}

	all, err := store.GetSecurityEvents(ctx, SecurityEventFilter{
		PeerPublicKey: peerKey,
		Limit:         10,
	})
	if err != nil {
		t.Fatalf("GetSecurityEvents all failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 security events, got %d", len(all))
	}
	if all[0].EventType != "envelope_signature_invalid" {
		t.Fatalf("expected newest event type envelope_signature_invalid, got %q", all[0].EventType)
	}
	if all[1].EventType != "envelope_replayed" {
		t.Fatalf("expected older event type envelope_replayed, got %q", all[1].EventType)
	}

	filtered, err := store.GetSecurityEvents(ctx, SecurityEventFilter{
		EventType:     "envelope_replayed",
		PeerPublicKey: peerKey,
		Severity:      SecuritySeverityWarning,
		Limit:         10,
	})
	if err != nil {
		t.Fatalf("GetSecurityEvents filtered failed: %v", err)
	}
	if len(filtered) != 1 {
		t.Fatalf("expected 1 filtered security event, got %d", len(filtered))
	}
	if filtered[0].Details != `{"envelope_id":"env-1"}` {
		t.Fatalf("unexpected filtered event details: %q", filtered[0].Details)
	}
}

func TestSecurityEventRetentionPrunesOldRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.SetSecurityEventRetention(1 * time.Second)

	now := nowUnixMilli()

	if err := store.LogSecurityEvent(ctx, SecurityEvent{
		EventType: "old_event",
		Details:   `{"state":"old"}`,
		Severity:  SecuritySeverityInfo,
		Timestamp: now - 10_000,
	}); err != nil {
		t.Fatalf("LogSecurityEvent old_event failed: %v", err)
	}
	if err := store.LogSecurityEvent(ctx, SecurityEvent{
		EventType: "new_event",
		Details:   `{"state":"new"}`,
		Severity:  SecuritySeverityInfo,
		Timestamp: now,
	}); err != nil {
		t.Fatalf("LogSecurityEvent new_event failed: %v", err)
	}

	events, err := store.GetSecurityEvents(ctx, SecurityEventFilter{Limit: 10})
	if err != nil {
		t.Fatalf("GetSecurityEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event after retention prune, got %d", len(events))
	}
	if events[0].EventType != "new_event" {
		t.Fatalf("expected retained event type new_event, got %q", events[0].EventType)
	}
}

func TestPruneSecurityEventsRemovesRowsBeforeCutoff(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := nowUnixMilli()
	for _, ts := range []int64{now - 3_000, now - 2_000, now - 1_000} {
		if err := store.LogSecurityEvent(ctx, SecurityEvent{
			EventType: "envelope_malformed",
			Severity:  SecuritySeverityInfo,
			Timestamp: ts,
		}); err != nil {
			t.Fatalf("LogSecurityEvent at %d failed: %v", ts, err)
		}
	}

	if _, err := store.PruneSecurityEvents(ctx, 0); err == nil {
		t.Fatalf("expected error for zero cutoff")
	}
	removed, err := store.PruneSecurityEvents(ctx, now-1_500)
	if err != nil {
		t.Fatalf("PruneSecurityEvents failed: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 rows pruned, got %d", removed)
	}

	events, err := store.GetSecurityEvents(ctx, SecurityEventFilter{})
	if err != nil {
		t.Fatalf("GetSecurityEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Timestamp != now-1_000 {
		t.Fatalf("expected only the newest event to remain, got %+v", events)
	}
}
