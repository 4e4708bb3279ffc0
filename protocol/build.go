package protocol

import (
	"crypto/ecdh"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"relaychat/crypto"
	"relaychat/models"
)

const (
	payloadKeyInfo = "relaychat/envelope-key/v1"
	wrapKeyInfo    = "relaychat/envelope-wrap/v1"
)

// Recipient is one addressee: their identity key and published encryption key.
type Recipient struct {
	PublicKey     string
	EncryptionKey *ecdh.PublicKey
}

// BuildParams describes an outgoing envelope.
type BuildParams struct {
	Payload      models.Payload
	Sender       crypto.Identity
	SenderHandle string
	To           []Recipient
	CC           []Recipient

	ThreadID           string
	ReplyToID          string
	ExpiresAt          *int64
	Priority           Priority
	RequestReadReceipt bool

	// ID overrides the generated envelope id. Used when the message id has
	// already been persisted locally.
	ID string
	// Now defaults to time.Now.
	Now time.Time
}

// BuildDirectEnvelope is BuildEnvelope for the common one-to-one case.
func BuildDirectEnvelope(payload models.Payload, sender crypto.Identity, recipientPublicKey string, recipientEncryptionKey *ecdh.PublicKey, threadID, replyToID string) (Envelope, error) {
	return BuildEnvelope(BuildParams{
		Payload:   payload,
		Sender:    sender,
		To:        []Recipient{{PublicKey: recipientPublicKey, EncryptionKey: recipientEncryptionKey}},
		ThreadID:  threadID,
		ReplyToID: replyToID,
	})
}

// BuildEnvelope encrypts and signs a payload. A single recipient gets a key
// derived from a one-time key pair; several recipients share a random content
// key wrapped individually for each of them.
func BuildEnvelope(params BuildParams) (Envelope, error) {
	if err := params.Sender.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("build envelope: %w", err)
	}
	recipients := append(append([]Recipient{}, params.To...), params.CC...)
	if len(params.To) == 0 {
		return Envelope{}, errors.New("build envelope: at least one recipient is required")
	}
	seen := make(map[string]struct{}, len(recipients))
	for _, r := range recipients {
		if r.PublicKey == "" || r.EncryptionKey == nil {
			return Envelope{}, errors.New("build envelope: recipient public key and encryption key are required")
		}
		if _, dup := seen[r.PublicKey]; dup {
			return Envelope{}, fmt.Errorf("build envelope: duplicate recipient %s", r.PublicKey)
		}
		seen[r.PublicKey] = struct{}{}
	}

	payloadType, plaintext, err := models.EncodePayload(params.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("build envelope: %w", err)
	}

	now := params.Now
	if now.IsZero() {
		now = time.Now()
	}
	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}

	env := Envelope{
		ID:                 id,
		FromPublicKey:      params.Sender.PublicKeyString(),
		FromHandle:         params.SenderHandle,
		ToPublicKeys:       publicKeys(params.To),
		CCPublicKeys:       publicKeys(params.CC),
		PayloadType:        payloadType,
		PayloadSize:        len(plaintext),
		ThreadID:           params.ThreadID,
		ReplyToID:          params.ReplyToID,
		Timestamp:          now.UnixMilli(),
		ExpiresAt:          params.ExpiresAt,
		Priority:           params.Priority,
		RequestReadReceipt: params.RequestReadReceipt,
	}

	var contentKey []byte
	if len(recipients) == 1 {
		contentKey, env.Keys, err = singleRecipientKey(recipients[0])
	} else {
		contentKey, env.Keys, err = multiRecipientKeys(env.ID, params.Sender, recipients)
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("build envelope: %w", err)
	}

	env.EncryptedPayload, env.Nonce, err = crypto.Seal(contentKey, plaintext, payloadAAD(env.ID, payloadType))
	if err != nil {
		return Envelope{}, fmt.Errorf("build envelope: encrypt payload: %w", err)
	}
	if err := signEnvelope(&env, params.Sender); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func singleRecipientKey(r Recipient) ([]byte, KeyMode, error) {
	ephemeralPrivate, ephemeralPublic, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		return nil, nil, err
	}
	key, err := derivePayloadKey(ephemeralPrivate, r.EncryptionKey, ephemeralPublic.Bytes(), r.EncryptionKey.Bytes())
	if err != nil {
		return nil, nil, err
	}
	return key, SingleRecipient{EphemeralPublicKey: ephemeralPublic.Bytes()}, nil
}

func multiRecipientKeys(envelopeID string, sender crypto.Identity, recipients []Recipient) ([]byte, KeyMode, error) {
	contentKey, err := crypto.NewContentKey()
	if err != nil {
		return nil, nil, err
	}
	senderPublic := sender.EncryptionKey.PublicKey().Bytes()

	wrapped := make([]WrappedKey, 0, len(recipients))
	for _, r := range recipients {
		wrapKey, err := deriveWrapKey(sender.EncryptionKey, r.EncryptionKey, senderPublic, r.EncryptionKey.Bytes())
		if err != nil {
			return nil, nil, err
		}
		sealed, nonce, err := crypto.Seal(wrapKey, contentKey, wrapAAD(envelopeID, r.PublicKey))
		if err != nil {
			return nil, nil, fmt.Errorf("wrap content key for %s: %w", r.PublicKey, err)
		}
		wrapped = append(wrapped, WrappedKey{PublicKey: r.PublicKey, Nonce: nonce, Key: sealed})
	}
	return contentKey, MultiRecipient{WrappedKeys: wrapped}, nil
}

// derivePayloadKey is symmetric: the sender passes (ephemeral, recipient) and
// the recipient passes (static, ephemeral) with the same salt ordering.
func derivePayloadKey(private *ecdh.PrivateKey, peer *ecdh.PublicKey, ephemeralPublic, recipientPublic []byte) ([]byte, error) {
	shared, err := crypto.ComputeX25519SharedSecret(private, peer)
	if err != nil {
		return nil, err
	}
	return crypto.DeriveKey(shared, concat(ephemeralPublic, recipientPublic), payloadKeyInfo)
}

func deriveWrapKey(private *ecdh.PrivateKey, peer *ecdh.PublicKey, senderPublic, recipientPublic []byte) ([]byte, error) {
	shared, err := crypto.ComputeX25519SharedSecret(private, peer)
	if err != nil {
		return nil, err
	}
	return crypto.DeriveKey(shared, concat(senderPublic, recipientPublic), wrapKeyInfo)
}

func payloadAAD(envelopeID string, payloadType models.PayloadType) []byte {
	return []byte(envelopeID + "\x00" + string(payloadType))
}

func wrapAAD(envelopeID, recipientPublicKey string) []byte {
	return []byte(envelopeID + "\x00" + recipientPublicKey)
}

func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

func publicKeys(recipients []Recipient) []string {
	if len(recipients) == 0 {
		return nil
	}
	out := make([]string, len(recipients))
	for i, r := range recipients {
		out[i] = r.PublicKey
	}
	return out
}
