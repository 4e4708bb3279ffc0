package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// ErrInvalidSignature is returned by VerifyEncoded when the signature does not
// match.
var ErrInvalidSignature = errors.New("crypto: invalid signature")

// Sign signs data using an Ed25519 private key. Empty data is refused.
func Sign(privateKey ed25519.PrivateKey, data []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	if len(data) == 0 {
		return nil, errors.New("sign: empty data")
	}
	return ed25519.Sign(privateKey, data), nil
}

// Verify reports whether signature is a valid Ed25519 signature of data.
// Malformed inputs verify as false.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	switch {
	case len(publicKey) != ed25519.PublicKeySize,
		len(signature) != ed25519.SignatureSize,
		len(data) == 0:
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}

// VerifyEncoded verifies against a base64 public key as carried in envelopes
// and relay headers. A bad key wraps ErrInvalidPublicKey, a mismatch is
// ErrInvalidSignature.
func VerifyEncoded(encodedPublicKey string, data, signature []byte) error {
	publicKey, err := DecodeEd25519PublicKey(encodedPublicKey)
	if err != nil {
		return err
	}
	if !Verify(publicKey, data, signature) {
		return ErrInvalidSignature
	}
	return nil
}
