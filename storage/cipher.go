package storage

import (
	"errors"
	"fmt"

	"relaychat/crypto"
)

// seal encrypts plaintext under the store key. The row id is bound as AAD so
// blobs cannot be swapped between rows. Output is nonce || ciphertext.
func (s *Store) seal(rowID string, plaintext []byte) ([]byte, error) {
	ciphertext, nonce, err := crypto.Seal(s.key, plaintext, []byte(rowID))
	if err != nil {
		return nil, fmt.Errorf("encrypt row %q: %w", rowID, err)
	}
	return append(nonce, ciphertext...), nil
}

func (s *Store) open(rowID string, blob []byte) ([]byte, error) {
	if len(blob) < crypto.NonceSize {
		return nil, errors.New("encrypted blob is too short")
	}
	plaintext, err := crypto.Open(s.key, blob[:crypto.NonceSize], blob[crypto.NonceSize:], []byte(rowID))
	if err != nil {
		return nil, fmt.Errorf("decrypt row %q: %w", rowID, err)
	}
	return plaintext, nil
}
