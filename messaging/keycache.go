package messaging

import (
	"crypto/ecdh"
	"sync"
	"time"
)

// Peer is a resolved remote identity.
type Peer struct {
	PublicKey     string
	Handle        string
	EncryptionKey *ecdh.PublicKey
	DisplayName   string
	AvatarURL     string
}

type cachedPeer struct {
	peer      Peer
	fetchedAt time.Time
}

// keyCache maps handles and public keys to resolved peers. Entries expire
// after ttl when ttl is positive; otherwise they live until invalidated.
type keyCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedPeer
}

func newKeyCache(ttl time.Duration, now func() time.Time) *keyCache {
	return &keyCache{ttl: ttl, now: now, entries: make(map[string]cachedPeer)}
}

func (c *keyCache) get(key string) (Peer, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Peer{}, false
	}
	if c.ttl > 0 && c.now().Sub(entry.fetchedAt) >= c.ttl {
		c.invalidate(key)
		return Peer{}, false
	}
	return entry.peer, true
}

func (c *keyCache) put(peer Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := cachedPeer{peer: peer, fetchedAt: c.now()}
	c.entries[peer.PublicKey] = entry
	if peer.Handle != "" {
		c.entries[peer.Handle] = entry
	}
}

// invalidate drops key and the entry it points at under its other name.
func (c *keyCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	delete(c.entries, entry.peer.PublicKey)
	if entry.peer.Handle != "" {
		delete(c.entries, entry.peer.Handle)
	}
}
