// Package relay defines the transport contract the messaging core consumes,
// plus an in-process hub that implements it.
package relay

import (
	"context"
	"errors"

	"relaychat/protocol"
)

// ConnectionState is the realtime link state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

var (
	// ErrNotFound is returned by lookups for unknown handles or identities.
	ErrNotFound = errors.New("relay: not found")
	// ErrNotConnected is returned when realtime-only operations run offline.
	ErrNotConnected = errors.New("relay: not connected")
	// ErrRejected is returned when the relay refuses an envelope.
	ErrRejected = errors.New("relay: envelope rejected")
)

// IdentityInfo is what the relay publishes about an identity.
type IdentityInfo struct {
	PublicKey     string `json:"public_key"`
	Handle        string `json:"handle,omitempty"`
	EncryptionKey string `json:"encryption_key"`
	DisplayName   string `json:"display_name,omitempty"`
	AvatarURL     string `json:"avatar_url,omitempty"`
}

// TypingEvent is a typing indicator observed on the relay.
type TypingEvent struct {
	FromPublicKey string `json:"from_public_key"`
	ThreadID      string `json:"thread_id"`
	IsTyping      bool   `json:"is_typing"`
}

// Channel is the relay surface. Implementations must be safe for concurrent
// use. Send succeeds or returns an error; there is no partial result.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect() error
	State() ConnectionState
	// StateChanges delivers transitions. Slow readers miss intermediate states.
	StateChanges() <-chan ConnectionState
	// Incoming pushes envelopes one at a time while connected.
	Incoming() <-chan protocol.Envelope

	Send(ctx context.Context, env protocol.Envelope) error
	// FetchPending returns up to limit unacknowledged envelopes with a
	// timestamp after since (milliseconds; zero means everything).
	FetchPending(ctx context.Context, since int64, limit int) ([]protocol.Envelope, error)
	AcknowledgeMessages(ctx context.Context, ids []string) error

	SendTyping(ctx context.Context, threadID string, isTyping bool) error
	MarkMessagesRead(ctx context.Context, ids []string) error

	ResolveHandle(ctx context.Context, handle string) (string, error)
	ResolveHandleInfo(ctx context.Context, handle string) (IdentityInfo, error)
	GetIdentity(ctx context.Context, publicKey string) (IdentityInfo, error)
}

// PublishState sends without blocking, dropping the oldest buffered value when
// ch is full. ch must be buffered.
func PublishState(ch chan ConnectionState, state ConnectionState) {
	for {
		select {
		case ch <- state:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
