package messaging

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaychat/crypto"
	"relaychat/models"
	"relaychat/protocol"
	"relaychat/relay"
	"relaychat/storage"
)

type testPeer struct {
	identity crypto.Identity
	handle   string
	store    *storage.Store
	channel  *relay.MemoryChannel
	manager  *Manager
}

func (p *testPeer) key() string {
	return p.identity.PublicKeyString()
}

func (p *testPeer) recipient() protocol.Recipient {
	return protocol.Recipient{PublicKey: p.key(), EncryptionKey: p.identity.EncryptionKey.PublicKey()}
}

func newTestPeer(t *testing.T, hub *relay.Hub, handle string, configure ...func(*ManagerOptions)) *testPeer {
	t.Helper()

	identity, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	storageKey, err := crypto.DeriveStorageKey(identity.SigningKey)
	require.NoError(t, err)

	store, _, err := storage.Open(t.TempDir(), storageKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	hub.Register(relay.IdentityInfo{
		PublicKey:     identity.PublicKeyString(),
		Handle:        handle,
		EncryptionKey: identity.EncryptionPublicKeyString(),
	})
	channel := hub.Channel(identity.PublicKeyString())

	options := ManagerOptions{
		Identity:       identity,
		Handle:         handle,
		Store:          store,
		Relay:          channel,
		SyncBatchDelay: time.Millisecond,
	}
	for _, fn := range configure {
		fn(&options)
	}
	manager, err := NewManager(options)
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	return &testPeer{identity: identity, handle: handle, store: store, channel: channel, manager: manager}
}

func directThreadID(a, b *testPeer) string {
	return models.DirectThreadID(a.key(), b.key())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
