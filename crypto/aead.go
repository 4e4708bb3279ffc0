package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the symmetric key length for all AEAD operations.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the ChaCha20-Poly1305 nonce length.
	NonceSize = chacha20poly1305.NonceSize
)

// ErrAuthenticationFailed indicates an AEAD tag mismatch: wrong key or tampered data.
var ErrAuthenticationFailed = errors.New("crypto: message authentication failed")

// NewContentKey returns a random symmetric key.
func NewContentKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate content key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext with ChaCha20-Poly1305 under a fresh random nonce.
func Seal(key, plaintext, additionalData []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("create AEAD: %w", err)
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nil, nonce, plaintext, additionalData), nonce, nil
}

// Open decrypts and authenticates ciphertext produced by Seal.
func Open(key, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: got %d want %d", len(nonce), aead.NonceSize())
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, errors.New("ciphertext is too short")
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}
