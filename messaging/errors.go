package messaging

import "errors"

var (
	// ErrKeyResolutionFailed means a recipient's encryption key could not be
	// found. Sends fail hard; no other key is tried.
	ErrKeyResolutionFailed = errors.New("messaging: encryption key resolution failed")
	// ErrTransportFailure wraps relay errors surfaced to callers.
	ErrTransportFailure = errors.New("messaging: relay transport failure")
	// ErrStorageTransactionFailed wraps local store errors. A failed sync
	// batch leaves nothing persisted and nothing acknowledged.
	ErrStorageTransactionFailed = errors.New("messaging: storage transaction failed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("messaging: manager closed")
	// ErrNotOwnMessage is returned when deleting or resending someone else's message.
	ErrNotOwnMessage = errors.New("messaging: message was not sent by this identity")
)
