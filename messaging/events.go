package messaging

import (
	"sync"

	"github.com/sirupsen/logrus"

	"relaychat/models"
	"relaychat/relay"
)

// EventType names what an Event reports.
type EventType string

const (
	// EventMessageReceived carries a newly stored incoming message.
	EventMessageReceived EventType = "message_received"
	// EventMessageUpdated reports a reaction, deletion or edit on MessageID.
	EventMessageUpdated EventType = "message_updated"
	// EventStatusChanged reports Status for an outgoing MessageID.
	EventStatusChanged EventType = "status_changed"
	// EventThreadRead reports that ThreadID's unread counter reached zero.
	EventThreadRead EventType = "thread_read"
	// EventConnectionState reports a relay connectivity change.
	EventConnectionState EventType = "connection_state"
)

// Event is one notification delivered to subscribers.
type Event struct {
	Type      EventType
	ThreadID  string
	MessageID string
	Message   *models.Message
	Status    models.Status
	State     relay.ConnectionState
}

// broadcaster fans events out to bounded subscriber channels. A subscriber
// that falls behind misses events rather than stalling the publisher.
type broadcaster struct {
	buffer int

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

func newBroadcaster(buffer int) *broadcaster {
	return &broadcaster{buffer: buffer, subs: make(map[int]chan Event)}
}

func (b *broadcaster) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *broadcaster) publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			logrus.WithFields(logrus.Fields{
				"function":   "publish",
				"subscriber": id,
				"event":      event.Type,
			}).Debug("Subscriber buffer full, event dropped")
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
