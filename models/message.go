package models

import "sort"

// Status is the delivery state of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Progress is monotonic along sending → sent → delivered → read. Failed is
// reachable only from sending or sent, and a failed message may only be
// moved back to sending by an explicit resend.
func (s Status) CanTransitionTo(next Status) bool {
	if !next.Valid() {
		return false
	}
	if s == next {
		return false
	}
	switch {
	case s == StatusFailed:
		return next == StatusSending
	case next == StatusFailed:
		return s == StatusSending || s == StatusSent
	default:
		return statusRank[next] > statusRank[s]
	}
}

// Message is a decrypted, application-level message.
type Message struct {
	ID            string
	ThreadID      string
	FromPublicKey string
	FromHandle    string
	PayloadType   PayloadType
	Payload       Payload
	Timestamp     int64
	ReplyToID     string
	Status        Status
	IsOutgoing    bool
	Metadata      map[string]string
	Reactions     map[string][]string // emoji -> sorted contributor public keys
	IsEdited      bool
	EditedAt      *int64
	IsDeleted     bool
}

// HasReaction reports whether publicKey has reacted with emoji.
func (m Message) HasReaction(emoji, publicKey string) bool {
	for _, key := range m.Reactions[emoji] {
		if key == publicKey {
			return true
		}
	}
	return false
}

// AddReaction records publicKey under emoji. It reports whether anything changed.
func AddReaction(reactions map[string][]string, emoji, publicKey string) bool {
	for _, key := range reactions[emoji] {
		if key == publicKey {
			return false
		}
	}
	keys := append(reactions[emoji], publicKey)
	sort.Strings(keys)
	reactions[emoji] = keys
	return true
}

// RemoveReaction drops publicKey from emoji. It reports whether anything changed.
func RemoveReaction(reactions map[string][]string, emoji, publicKey string) bool {
	keys := reactions[emoji]
	for i, key := range keys {
		if key != publicKey {
			continue
		}
		keys = append(keys[:i:i], keys[i+1:]...)
		if len(keys) == 0 {
			delete(reactions, emoji)
		} else {
			reactions[emoji] = keys
		}
		return true
	}
	return false
}
