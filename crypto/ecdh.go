package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
)

var x25519Curve = ecdh.X25519()

// GenerateX25519PrivateKey creates a new X25519 private key.
func GenerateX25519PrivateKey() (*ecdh.PrivateKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return privateKey, nil
}

// GenerateEphemeralX25519KeyPair creates a one-time X25519 key pair.
func GenerateEphemeralX25519KeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	privateKey, err := GenerateX25519PrivateKey()
	if err != nil {
		return nil, nil, err
	}
	return privateKey, privateKey.PublicKey(), nil
}

// ParseX25519PublicKey validates raw X25519 public key bytes.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: X25519 public key must be 32 bytes, got %d", ErrInvalidPublicKey, len(raw))
	}
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse X25519 public key: %v", ErrInvalidPublicKey, err)
	}
	return publicKey, nil
}

// ComputeX25519SharedSecret performs ECDH and rejects the all-zero output
// produced by low-order peer points.
func ComputeX25519SharedSecret(privateKey *ecdh.PrivateKey, peerPublicKey *ecdh.PublicKey) ([]byte, error) {
	if privateKey == nil || peerPublicKey == nil {
		return nil, errors.New("X25519 key agreement requires both keys")
	}
	secret, err := privateKey.ECDH(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	if subtle.ConstantTimeCompare(secret, make([]byte, len(secret))) == 1 {
		return nil, errors.New("compute X25519 shared secret: low-order peer key")
	}
	return secret, nil
}
