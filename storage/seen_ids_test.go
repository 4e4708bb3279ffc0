package storage

import (
	"context"
	"testing"
)

func TestSeenEnvelopeIDsOperations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	oldTimestamp := nowUnixMilli() - 10_000
	newTimestamp := nowUnixMilli()

	if err := store.InsertSeenID(ctx, "env-old", oldTimestamp); err != nil {
		t.Fatalf("InsertSeenID old failed: %v", err)
	}
	if err := store.InsertSeenID(ctx, "env-new", newTimestamp); err != nil {
		t.Fatalf("InsertSeenID new failed: %v", err)
	}

	seen, err := store.HasSeenID(ctx, "env-old")
	if err != nil {
		t.Fatalf("HasSeenID old failed: %v", err)
	}
	if !seen {
		t.Fatalf("expected env-old to exist in seen_envelope_ids")
	}

	seen, err = store.HasSeenID(ctx, "missing")
	if err != nil {
		t.Fatalf("HasSeenID missing failed: %v", err)
	}
	if seen {
		t.Fatalf("expected missing envelope ID to be unseen")
	}

	pruned, err := store.PruneSeenIDs(ctx, nowUnixMilli()-5_000)
	if err != nil {
		t.Fatalf("PruneSeenIDs failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned seen envelope ID, got %d", pruned)
	}

	seenOld, err := store.HasSeenID(ctx, "env-old")
	if err != nil {
		t.Fatalf("HasSeenID env-old after prune failed: %v", err)
	}
	seenNew, err := store.HasSeenID(ctx, "env-new")
	if err != nil {
		t.Fatalf("HasSeenID env-new after prune failed: %v", err)
	}
	if seenOld {
		t.Fatalf("expected env-old to be pruned")
	}
	if !seenNew {
		t.Fatalf("expected env-new to remain after prune")
	}
}
