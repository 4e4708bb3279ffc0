package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// StorageKeyContext is the HKDF info string for the at-rest content key.
// Bumping the version suffix yields an unrelated key.
const StorageKeyContext = "relaychat/local-storage/v1"

// DeriveKey expands secret into a 32-byte symmetric key with HKDF-SHA256.
func DeriveKey(secret, salt []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("key derivation secret is required")
	}
	reader := hkdf.New(sha256.New, secret, salt, []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive key %q: %w", info, err)
	}
	return key, nil
}

// DeriveStorageKey derives the local database content key from the identity
// seed. It shares no output with envelope keys, which come from ECDH secrets.
func DeriveStorageKey(signingKey ed25519.PrivateKey) ([]byte, error) {
	if len(signingKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(signingKey), ed25519.PrivateKeySize)
	}
	return DeriveKey(signingKey.Seed(), nil, StorageKeyContext)
}
