// Package messaging coordinates the local store, the envelope protocol and a
// relay channel into the client-side messaging flows.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"relaychat/crypto"
	"relaychat/protocol"
	"relaychat/relay"
	"relaychat/storage"
)

const (
	defaultSyncBatchSize    = 10
	defaultSyncBatchDelay   = 100 * time.Millisecond
	defaultSubscriberBuffer = 64
	defaultErrorBuffer      = 64
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Identity crypto.Identity
	Handle   string
	Store    *storage.Store
	Relay    relay.Channel

	SyncBatchSize  int
	SyncBatchDelay time.Duration
	// DecryptWorkers bounds parallel verify+decrypt within one sync batch.
	DecryptWorkers int
	// KeyCacheTTL expires resolved encryption keys. Zero keeps them until
	// InvalidateKey is called.
	KeyCacheTTL      time.Duration
	SubscriberBuffer int

	Now func() time.Time
}

// Manager is the messaging orchestrator for one local identity.
type Manager struct {
	options ManagerOptions
	self    string

	store *storage.Store
	relay relay.Channel
	keys  *keyCache
	bus   *broadcaster

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
	closed    atomic.Bool

	errors chan error
}

// NewManager validates options and builds a Manager. Call Start to begin
// consuming live envelopes.
func NewManager(options ManagerOptions) (*Manager, error) {
	if err := options.Identity.Validate(); err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.Relay == nil {
		return nil, errors.New("relay channel is required")
	}
	if options.SyncBatchSize <= 0 {
		options.SyncBatchSize = defaultSyncBatchSize
	}
	if options.SyncBatchDelay < 0 {
		options.SyncBatchDelay = 0
	} else if options.SyncBatchDelay == 0 {
		options.SyncBatchDelay = defaultSyncBatchDelay
	}
	if options.DecryptWorkers <= 0 {
		options.DecryptWorkers = runtime.GOMAXPROCS(0)
	}
	if options.SubscriberBuffer <= 0 {
		options.SubscriberBuffer = defaultSubscriberBuffer
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		options: options,
		self:    options.Identity.PublicKeyString(),
		store:   options.Store,
		relay:   options.Relay,
		keys:    newKeyCache(options.KeyCacheTTL, options.Now),
		bus:     newBroadcaster(options.SubscriberBuffer),
		ctx:     ctx,
		cancel:  cancel,
		errors:  make(chan error, defaultErrorBuffer),
	}, nil
}

// PublicKey returns the local identity key the manager sends as.
func (m *Manager) PublicKey() string {
	return m.self
}

// Start launches the live-envelope and connectivity loops.
func (m *Manager) Start() error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.startOnce.Do(func() {
		m.wg.Add(2)
		go m.incomingLoop()
		go m.stateLoop()
		logrus.WithFields(logrus.Fields{
			"function":   "Start",
			"public_key": shortKey(m.self),
		}).Info("Messaging manager started")
	})
	return nil
}

// Close stops background loops and closes subscriber and error channels.
// The relay channel is left as is; its owner disconnects it.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		m.closed.Store(true)
		m.cancel()
		m.wg.Wait()
		m.bus.close()
		close(m.errors)
		logrus.WithFields(logrus.Fields{
			"function":   "Close",
			"public_key": shortKey(m.self),
		}).Info("Messaging manager stopped")
	})
}

// Connect opens the relay's realtime link.
func (m *Manager) Connect(ctx context.Context) error {
	if err := m.ensureOpen(); err != nil {
		return err
	}
	if err := m.relay.Connect(ctx); err != nil {
		return fmt.Errorf("%w: connect: %w", ErrTransportFailure, err)
	}
	return nil
}

// Disconnect closes the relay's realtime link. Queued sends still work.
func (m *Manager) Disconnect() error {
	if err := m.relay.Disconnect(); err != nil {
		return fmt.Errorf("%w: disconnect: %w", ErrTransportFailure, err)
	}
	return nil
}

// State returns the relay connection state.
func (m *Manager) State() relay.ConnectionState {
	return m.relay.State()
}

// Subscribe returns a bounded event feed and a function that ends it.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.bus.subscribe()
}

// Errors returns asynchronous errors from background loops.
func (m *Manager) Errors() <-chan error {
	return m.errors
}

func (m *Manager) incomingLoop() {
	defer m.wg.Done()
	incoming := m.relay.Incoming()
	for {
		select {
		case <-m.ctx.Done():
			return
		case env, ok := <-incoming:
			if !ok {
				return
			}
			if err := m.handleLive(env); err != nil {
				m.reportError(err)
			}
		}
	}
}

// handleLive processes one pushed envelope on its own, without batching.
func (m *Manager) handleLive(env protocol.Envelope) error {
	outcome, err := m.processBatch(m.ctx, []protocol.Envelope{env})
	if err != nil {
		return err
	}
	if len(outcome.acked) == 0 {
		return nil
	}
	if err := m.relay.AcknowledgeMessages(m.ctx, outcome.acked); err != nil {
		return fmt.Errorf("%w: acknowledge %s: %w", ErrTransportFailure, env.ID, err)
	}
	return nil
}

func (m *Manager) stateLoop() {
	defer m.wg.Done()
	changes := m.relay.StateChanges()
	for {
		select {
		case <-m.ctx.Done():
			return
		case state, ok := <-changes:
			if !ok {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "stateLoop",
				"state":    state,
			}).Debug("Relay connection state changed")
			m.bus.publish(Event{Type: EventConnectionState, State: state})
		}
	}
}

func (m *Manager) ensureOpen() error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (m *Manager) now() time.Time {
	return m.options.Now()
}

func (m *Manager) reportError(err error) {
	if err == nil || m.closed.Load() {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "reportError",
		"error":    err.Error(),
	}).Warn("Background messaging error")
	select {
	case m.errors <- err:
	default:
	}
}

func shortKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8]
}
