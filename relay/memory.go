package relay

import (
	"context"
	"fmt"
	"sync"

	"relaychat/protocol"
)

const memoryIncomingBuffer = 64

// Hub is an in-process relay shared by MemoryChannels. Envelopes for a
// connected identity are pushed live; everything else waits in its mailbox
// until fetched and acknowledged.
type Hub struct {
	mu         sync.Mutex
	identities map[string]IdentityInfo
	handles    map[string]string
	mailboxes  map[string][]protocol.Envelope
	channels   map[string]*MemoryChannel
	receipts   map[string][][]string
	typing     []TypingEvent
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		identities: make(map[string]IdentityInfo),
		handles:    make(map[string]string),
		mailboxes:  make(map[string][]protocol.Envelope),
		channels:   make(map[string]*MemoryChannel),
		receipts:   make(map[string][][]string),
	}
}

// Register publishes identity info, including its handle when set.
func (h *Hub) Register(info IdentityInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.identities[info.PublicKey] = info
	if info.Handle != "" {
		h.handles[info.Handle] = info.PublicKey
	}
}

// Channel returns the channel bound to publicKey, creating it on first use.
func (h *Hub) Channel(publicKey string) *MemoryChannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.channels[publicKey]; ok {
		return ch
	}
	ch := &MemoryChannel{
		hub:      h,
		self:     publicKey,
		state:    StateDisconnected,
		stateCh:  make(chan ConnectionState, 8),
		incoming: make(chan protocol.Envelope, memoryIncomingBuffer),
	}
	h.channels[publicKey] = ch
	return ch
}

// Deposit queues env for publicKey without live delivery, as if it arrived
// while the identity was offline. Used to stage arbitrary envelopes.
func (h *Hub) Deposit(publicKey string, env protocol.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mailboxes[publicKey] = append(h.mailboxes[publicKey], env)
}

// PendingCount returns the number of unacknowledged envelopes for publicKey.
func (h *Hub) PendingCount(publicKey string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.mailboxes[publicKey])
}

// ReadReceipts returns every MarkMessagesRead call made by publicKey.
func (h *Hub) ReadReceipts(publicKey string) [][]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]string, len(h.receipts[publicKey]))
	copy(out, h.receipts[publicKey])
	return out
}

// TypingEvents returns all typing indicators seen by the hub.
func (h *Hub) TypingEvents() []TypingEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]TypingEvent(nil), h.typing...)
}

func (h *Hub) route(env protocol.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, recipient := range env.Recipients() {
		if ch, ok := h.channels[recipient]; ok && ch.State() == StateConnected {
			select {
			case ch.incoming <- env:
				continue
			default:
			}
		}
		h.mailboxes[recipient] = append(h.mailboxes[recipient], env)
	}
}

// MemoryChannel is one identity's view of a Hub.
type MemoryChannel struct {
	hub      *Hub
	self     string
	stateCh  chan ConnectionState
	incoming chan protocol.Envelope

	mu        sync.Mutex
	state     ConnectionState
	sendErr   error
	fetchErr  error
	sent      []protocol.Envelope
	acked     []string
	fetchHits int
}

var _ Channel = (*MemoryChannel)(nil)

func (c *MemoryChannel) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.setState(StateConnecting)
	c.setState(StateConnected)
	return nil
}

func (c *MemoryChannel) Disconnect() error {
	c.setState(StateDisconnected)
	return nil
}

func (c *MemoryChannel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *MemoryChannel) StateChanges() <-chan ConnectionState { return c.stateCh }

func (c *MemoryChannel) Incoming() <-chan protocol.Envelope { return c.incoming }

func (c *MemoryChannel) setState(state ConnectionState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()
	PublishState(c.stateCh, state)
}

// FailSends makes subsequent Send calls return err; nil restores delivery.
func (c *MemoryChannel) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// FailFetches makes subsequent FetchPending calls return err.
func (c *MemoryChannel) FailFetches(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchErr = err
}

// Sent returns every envelope accepted from this channel.
func (c *MemoryChannel) Sent() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.sent...)
}

// Acknowledged returns every id acknowledged through this channel.
func (c *MemoryChannel) Acknowledged() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.acked...)
}

// FetchCalls returns how many times FetchPending ran.
func (c *MemoryChannel) FetchCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchHits
}

func (c *MemoryChannel) Send(ctx context.Context, env protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	if env.FromPublicKey != c.self {
		return fmt.Errorf("%w: sender %s does not own this channel", ErrRejected, env.FromPublicKey)
	}
	if err := env.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}

	c.mu.Lock()
	c.sent = append(c.sent, env)
	c.mu.Unlock()
	c.hub.route(env)
	return nil
}

func (c *MemoryChannel) FetchPending(ctx context.Context, since int64, limit int) ([]protocol.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.fetchHits++
	fetchErr := c.fetchErr
	c.mu.Unlock()
	if fetchErr != nil {
		return nil, fetchErr
	}

	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range c.hub.mailboxes[c.self] {
		if env.Timestamp <= since {
			continue
		}
		out = append(out, env)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (c *MemoryChannel) AcknowledgeMessages(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	c.mu.Lock()
	c.acked = append(c.acked, ids...)
	c.mu.Unlock()

	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	box := c.hub.mailboxes[c.self]
	kept := box[:0]
	for _, env := range box {
		if _, ok := drop[env.ID]; !ok {
			kept = append(kept, env)
		}
	}
	c.hub.mailboxes[c.self] = kept
	return nil
}

func (c *MemoryChannel) SendTyping(ctx context.Context, threadID string, isTyping bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.hub.typing = append(c.hub.typing, TypingEvent{FromPublicKey: c.self, ThreadID: threadID, IsTyping: isTyping})
	return nil
}

func (c *MemoryChannel) MarkMessagesRead(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.hub.receipts[c.self] = append(c.hub.receipts[c.self], append([]string(nil), ids...))
	return nil
}

func (c *MemoryChannel) ResolveHandle(ctx context.Context, handle string) (string, error) {
	info, err := c.ResolveHandleInfo(ctx, handle)
	if err != nil {
		return "", err
	}
	return info.PublicKey, nil
}

func (c *MemoryChannel) ResolveHandleInfo(ctx context.Context, handle string) (IdentityInfo, error) {
	if err := ctx.Err(); err != nil {
		return IdentityInfo{}, err
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	publicKey, ok := c.hub.handles[handle]
	if !ok {
		return IdentityInfo{}, fmt.Errorf("%w: handle %q", ErrNotFound, handle)
	}
	return c.hub.identities[publicKey], nil
}

func (c *MemoryChannel) GetIdentity(ctx context.Context, publicKey string) (IdentityInfo, error) {
	if err := ctx.Err(); err != nil {
		return IdentityInfo{}, err
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	info, ok := c.hub.identities[publicKey]
	if !ok {
		return IdentityInfo{}, fmt.Errorf("%w: identity %s", ErrNotFound, publicKey)
	}
	return info, nil
}
