// Package protocol implements the signed, end-to-end encrypted envelope that
// carries every message through the relay.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"relaychat/models"
)

var (
	// ErrSignatureInvalid indicates the envelope signature does not verify
	// against its sender key. Such envelopes are discarded unread.
	ErrSignatureInvalid = errors.New("protocol: invalid envelope signature")
	// ErrDecryptionFailed indicates AEAD authentication failed or no usable
	// key was addressed to us. It is terminal; retrying cannot help.
	ErrDecryptionFailed = errors.New("protocol: envelope decryption failed")
	// ErrMalformedEnvelope indicates structurally invalid envelope fields.
	ErrMalformedEnvelope = errors.New("protocol: malformed envelope")
	// ErrSenderKeyRequired indicates a multi-recipient envelope was opened
	// without the sender's static encryption key.
	ErrSenderKeyRequired = errors.New("protocol: sender encryption key required")
)

// Priority hints at relay delivery urgency.
type Priority int

const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

// KeyMode is how the payload key reaches recipients. Exactly one of
// SingleRecipient or MultiRecipient is ever set on an envelope.
type KeyMode interface {
	keyMode()
}

// SingleRecipient carries the sender's one-time X25519 public key. The
// recipient rederives the payload key from it and their static private key.
type SingleRecipient struct {
	EphemeralPublicKey []byte
}

// MultiRecipient carries one wrapped copy of a random content key per
// recipient. Unwrapping requires the sender's static encryption key.
type MultiRecipient struct {
	WrappedKeys []WrappedKey
}

// WrappedKey is the content key sealed for one recipient identity.
type WrappedKey struct {
	PublicKey string `json:"public_key"`
	Nonce     []byte `json:"nonce"`
	Key       []byte `json:"key"`
}

func (SingleRecipient) keyMode() {}
func (MultiRecipient) keyMode()  {}

// Envelope is the wire unit exchanged through the relay.
type Envelope struct {
	ID                 string
	FromPublicKey      string
	FromHandle         string
	ToPublicKeys       []string
	CCPublicKeys       []string
	PayloadType        models.PayloadType
	EncryptedPayload   []byte
	PayloadSize        int
	ThreadID           string
	ReplyToID          string
	Timestamp          int64
	ExpiresAt          *int64
	Keys               KeyMode
	Nonce              []byte
	Signature          []byte
	Priority           Priority
	RequestReadReceipt bool
}

type wireEnvelope struct {
	ID                 string             `json:"id"`
	FromPublicKey      string             `json:"from_public_key"`
	FromHandle         string             `json:"from_handle,omitempty"`
	ToPublicKeys       []string           `json:"to_public_keys"`
	CCPublicKeys       []string           `json:"cc_public_keys,omitempty"`
	PayloadType        models.PayloadType `json:"payload_type"`
	EncryptedPayload   []byte             `json:"encrypted_payload"`
	PayloadSize        int                `json:"payload_size"`
	ThreadID           string             `json:"thread_id,omitempty"`
	ReplyToID          string             `json:"reply_to_id,omitempty"`
	Timestamp          int64              `json:"timestamp"`
	ExpiresAt          *int64             `json:"expires_at,omitempty"`
	EphemeralPublicKey []byte             `json:"ephemeral_public_key,omitempty"`
	RecipientKeys      []WrappedKey       `json:"recipient_keys,omitempty"`
	Nonce              []byte             `json:"nonce"`
	Signature          []byte             `json:"signature"`
	Priority           Priority           `json:"priority"`
	RequestReadReceipt bool               `json:"request_read_receipt"`
}

// MarshalJSON flattens the key mode into the nullable wire fields.
func (e Envelope) MarshalJSON() ([]byte, error) {
	wire := wireEnvelope{
		ID:                 e.ID,
		FromPublicKey:      e.FromPublicKey,
		FromHandle:         e.FromHandle,
		ToPublicKeys:       e.ToPublicKeys,
		CCPublicKeys:       e.CCPublicKeys,
		PayloadType:        e.PayloadType,
		EncryptedPayload:   e.EncryptedPayload,
		PayloadSize:        e.PayloadSize,
		ThreadID:           e.ThreadID,
		ReplyToID:          e.ReplyToID,
		Timestamp:          e.Timestamp,
		ExpiresAt:          e.ExpiresAt,
		Nonce:              e.Nonce,
		Signature:          e.Signature,
		Priority:           e.Priority,
		RequestReadReceipt: e.RequestReadReceipt,
	}
	switch keys := e.Keys.(type) {
	case SingleRecipient:
		wire.EphemeralPublicKey = keys.EphemeralPublicKey
	case MultiRecipient:
		wire.RecipientKeys = keys.WrappedKeys
	default:
		return nil, fmt.Errorf("%w: envelope %q has no key mode", ErrMalformedEnvelope, e.ID)
	}
	return json.Marshal(wire)
}

// UnmarshalJSON rejects envelopes that set both or neither key mode field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	hasEphemeral := len(wire.EphemeralPublicKey) > 0
	hasWrapped := len(wire.RecipientKeys) > 0
	var keys KeyMode
	switch {
	case hasEphemeral && !hasWrapped:
		keys = SingleRecipient{EphemeralPublicKey: wire.EphemeralPublicKey}
	case hasWrapped && !hasEphemeral:
		keys = MultiRecipient{WrappedKeys: wire.RecipientKeys}
	default:
		return fmt.Errorf("%w: envelope %q must carry exactly one key mode", ErrMalformedEnvelope, wire.ID)
	}

	*e = Envelope{
		ID:                 wire.ID,
		FromPublicKey:      wire.FromPublicKey,
		FromHandle:         wire.FromHandle,
		ToPublicKeys:       wire.ToPublicKeys,
		CCPublicKeys:       wire.CCPublicKeys,
		PayloadType:        wire.PayloadType,
		EncryptedPayload:   wire.EncryptedPayload,
		PayloadSize:        wire.PayloadSize,
		ThreadID:           wire.ThreadID,
		ReplyToID:          wire.ReplyToID,
		Timestamp:          wire.Timestamp,
		ExpiresAt:          wire.ExpiresAt,
		Keys:               keys,
		Nonce:              wire.Nonce,
		Signature:          wire.Signature,
		Priority:           wire.Priority,
		RequestReadReceipt: wire.RequestReadReceipt,
	}
	return nil
}

// Recipients returns to and cc keys in order.
func (e Envelope) Recipients() []string {
	out := make([]string, 0, len(e.ToPublicKeys)+len(e.CCPublicKeys))
	out = append(out, e.ToPublicKeys...)
	return append(out, e.CCPublicKeys...)
}

// IsAddressedTo reports whether publicKey is among the recipients.
func (e Envelope) IsAddressedTo(publicKey string) bool {
	for _, key := range e.Recipients() {
		if key == publicKey {
			return true
		}
	}
	return false
}

// Mode names the key mode for logs and diagnostics.
func (e Envelope) Mode() string {
	switch e.Keys.(type) {
	case SingleRecipient:
		return "single"
	case MultiRecipient:
		return "multi"
	default:
		return "none"
	}
}

// NeedsSenderKey reports whether opening requires the sender's static
// encryption key, which is the case only for multi-recipient envelopes.
func (e Envelope) NeedsSenderKey() bool {
	_, ok := e.Keys.(MultiRecipient)
	return ok
}

// Expired reports whether the envelope carries an expiry at or before now.
func (e Envelope) Expired(nowMillis int64) bool {
	return e.ExpiresAt != nil && *e.ExpiresAt <= nowMillis
}

// Validate checks structural invariants without any cryptography.
func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: id is required", ErrMalformedEnvelope)
	}
	if e.FromPublicKey == "" {
		return fmt.Errorf("%w: from_public_key is required", ErrMalformedEnvelope)
	}
	if len(e.ToPublicKeys) == 0 {
		return fmt.Errorf("%w: at least one recipient is required", ErrMalformedEnvelope)
	}
	if e.PayloadType == "" {
		return fmt.Errorf("%w: payload_type is required", ErrMalformedEnvelope)
	}
	if len(e.EncryptedPayload) == 0 {
		return fmt.Errorf("%w: encrypted_payload is required", ErrMalformedEnvelope)
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp is required", ErrMalformedEnvelope)
	}
	if len(e.Signature) == 0 {
		return fmt.Errorf("%w: signature is required", ErrMalformedEnvelope)
	}

	count := len(e.Recipients())
	switch keys := e.Keys.(type) {
	case SingleRecipient:
		if count != 1 {
			return fmt.Errorf("%w: single-recipient envelope addressed to %d keys", ErrMalformedEnvelope, count)
		}
		if len(keys.EphemeralPublicKey) != 32 {
			return fmt.Errorf("%w: ephemeral public key must be 32 bytes", ErrMalformedEnvelope)
		}
	case MultiRecipient:
		if count < 2 {
			return fmt.Errorf("%w: multi-recipient envelope addressed to %d keys", ErrMalformedEnvelope, count)
		}
		if len(keys.WrappedKeys) != count {
			return fmt.Errorf("%w: %d wrapped keys for %d recipients", ErrMalformedEnvelope, len(keys.WrappedKeys), count)
		}
	default:
		return fmt.Errorf("%w: key mode is required", ErrMalformedEnvelope)
	}
	return nil
}
