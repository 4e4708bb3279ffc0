package storage

import (
	"bytes"
	"context"
	"testing"

	"relaychat/models"
)

var testStorageKey = bytes.Repeat([]byte{0x42}, 32)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir, testStorageKey)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustDirectThread(t *testing.T, store *Store, self, peer string) models.Thread {
	t.Helper()

	thread := models.NewDirectThread(self, peer, 1_000)
	if _, err := store.EnsureThread(context.Background(), thread); err != nil {
		t.Fatalf("ensure thread %q: %v", thread.ID, err)
	}
	return thread
}

func incomingText(id, threadID, from, text string, ts int64) models.Message {
	return models.Message{
		ID:            id,
		ThreadID:      threadID,
		FromPublicKey: from,
		PayloadType:   models.PayloadTextPlain,
		Payload:       models.TextPayload{Text: text},
		Timestamp:     ts,
		Status:        models.StatusDelivered,
	}
}
