package protocol

import (
	"crypto/ecdh"
	"errors"
	"fmt"

	"relaychat/crypto"
	"relaychat/models"
)

// OpenEnvelope verifies the signature and only then decrypts the payload for
// recipient. senderEncryptionKey is required for multi-recipient envelopes and
// ignored otherwise.
func OpenEnvelope(env Envelope, recipient crypto.Identity, senderEncryptionKey *ecdh.PublicKey) (models.Payload, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if err := VerifyEnvelope(env); err != nil {
		return nil, err
	}
	if err := recipient.Validate(); err != nil {
		return nil, fmt.Errorf("open envelope: %w", err)
	}

	self := recipient.PublicKeyString()
	if !env.IsAddressedTo(self) {
		return nil, fmt.Errorf("%w: envelope %s is not addressed to us", ErrDecryptionFailed, env.ID)
	}

	contentKey, err := recoverContentKey(env, recipient, self, senderEncryptionKey)
	if err != nil {
		return nil, err
	}

	plaintext, err := crypto.Open(contentKey, env.Nonce, env.EncryptedPayload, payloadAAD(env.ID, env.PayloadType))
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrDecryptionFailed, err)
	}
	if len(plaintext) != env.PayloadSize {
		return nil, fmt.Errorf("%w: payload size %d does not match declared %d", ErrMalformedEnvelope, len(plaintext), env.PayloadSize)
	}

	payload, err := models.DecodePayload(env.PayloadType, plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return payload, nil
}

func recoverContentKey(env Envelope, recipient crypto.Identity, self string, senderEncryptionKey *ecdh.PublicKey) ([]byte, error) {
	ownPublic := recipient.EncryptionKey.PublicKey().Bytes()

	switch keys := env.Keys.(type) {
	case SingleRecipient:
		ephemeral, err := crypto.ParseX25519PublicKey(keys.EphemeralPublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		key, err := derivePayloadKey(recipient.EncryptionKey, ephemeral, keys.EphemeralPublicKey, ownPublic)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		return key, nil

	case MultiRecipient:
		if senderEncryptionKey == nil {
			return nil, ErrSenderKeyRequired
		}
		var entry *WrappedKey
		for i := range keys.WrappedKeys {
			if keys.WrappedKeys[i].PublicKey == self {
				entry = &keys.WrappedKeys[i]
				break
			}
		}
		if entry == nil {
			return nil, fmt.Errorf("%w: no wrapped key for this identity", ErrDecryptionFailed)
		}
		wrapKey, err := deriveWrapKey(recipient.EncryptionKey, senderEncryptionKey, senderEncryptionKey.Bytes(), ownPublic)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		contentKey, err := crypto.Open(wrapKey, entry.Nonce, entry.Key, wrapAAD(env.ID, self))
		if err != nil {
			return nil, fmt.Errorf("%w: content key: %v", ErrDecryptionFailed, err)
		}
		return contentKey, nil
	}
	return nil, errors.New("open envelope: unsupported key mode")
}
