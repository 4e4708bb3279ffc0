package crypto

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

const (
	ed25519PrivatePEMType = "ED25519 PRIVATE KEY"
	ed25519PublicPEMType  = "ED25519 PUBLIC KEY"
	x25519PrivatePEMType  = "X25519 PRIVATE KEY"
)

var (
	// ErrInvalidPublicKey indicates an encoded public key has the wrong size or encoding.
	ErrInvalidPublicKey = errors.New("crypto: invalid public key")
)

// Identity is the local key material: an Ed25519 signing identity plus a
// separate X25519 encryption key. The two are never interchanged.
type Identity struct {
	SigningKey    ed25519.PrivateKey
	EncryptionKey *ecdh.PrivateKey
}

// PublicKey returns the Ed25519 identity public key.
func (id Identity) PublicKey() ed25519.PublicKey {
	return id.SigningKey.Public().(ed25519.PublicKey)
}

// PublicKeyString returns the base64 form of the identity public key, which is
// the addressable identifier of this identity on the relay.
func (id Identity) PublicKeyString() string {
	return EncodeKey(id.PublicKey())
}

// EncryptionPublicKeyString returns the base64 X25519 public key to publish.
func (id Identity) EncryptionPublicKeyString() string {
	return EncodeKey(id.EncryptionKey.PublicKey().Bytes())
}

// Validate reports whether both halves of the identity are present.
func (id Identity) Validate() error {
	if len(id.SigningKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(id.SigningKey), ed25519.PrivateKeySize)
	}
	if id.EncryptionKey == nil {
		return errors.New("X25519 encryption key is required")
	}
	return nil
}

// GenerateIdentity creates a fresh in-memory identity.
func GenerateIdentity() (Identity, error) {
	_, signingKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	encryptionKey, err := GenerateX25519PrivateKey()
	if err != nil {
		return Identity{}, err
	}
	return Identity{SigningKey: signingKey, EncryptionKey: encryptionKey}, nil
}

// EnsureIdentity loads both key files, generating whichever is missing.
func EnsureIdentity(ed25519PrivatePath, ed25519PublicPath, x25519PrivatePath string) (Identity, error) {
	signingKey, _, err := EnsureEd25519KeyPair(ed25519PrivatePath, ed25519PublicPath)
	if err != nil {
		return Identity{}, err
	}
	encryptionKey, err := EnsureX25519PrivateKey(x25519PrivatePath)
	if err != nil {
		return Identity{}, err
	}
	return Identity{SigningKey: signingKey, EncryptionKey: encryptionKey}, nil
}

// EnsureEd25519KeyPair loads an Ed25519 keypair from disk, generating it on first run.
func EnsureEd25519KeyPair(privatePath, publicPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	raw, err := readPEMBlock(privatePath, ed25519PrivatePEMType, ed25519.PrivateKeySize)
	if err == nil {
		privateKey := ed25519.PrivateKey(raw)
		publicKey := privateKey.Public().(ed25519.PublicKey)

		stored, pubErr := readPEMBlock(publicPath, ed25519PublicPEMType, ed25519.PublicKeySize)
		if pubErr != nil || !bytes.Equal(stored, publicKey) {
			if err := writePEMBlock(publicPath, ed25519PublicPEMType, publicKey, 0o644); err != nil {
				return nil, nil, err
			}
		}
		return privateKey, publicKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	if err := writePEMBlock(privatePath, ed25519PrivatePEMType, privateKey, 0o600); err != nil {
		return nil, nil, err
	}
	if err := writePEMBlock(publicPath, ed25519PublicPEMType, publicKey, 0o644); err != nil {
		return nil, nil, err
	}

	return privateKey, publicKey, nil
}

// EnsureX25519PrivateKey loads an X25519 private key from disk, generating it if absent.
func EnsureX25519PrivateKey(path string) (*ecdh.PrivateKey, error) {
	raw, err := readPEMBlock(path, x25519PrivatePEMType, 32)
	if err == nil {
		privateKey, err := x25519Curve.NewPrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse X25519 private key: %w", err)
		}
		return privateKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	privateKey, err := GenerateX25519PrivateKey()
	if err != nil {
		return nil, err
	}
	if err := writePEMBlock(path, x25519PrivatePEMType, privateKey.Bytes(), 0o600); err != nil {
		return nil, err
	}
	return privateKey, nil
}

func readPEMBlock(path, blockType string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", strings.ToLower(blockType), err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s PEM: no PEM block", blockType)
	}
	if block.Type != blockType {
		return nil, fmt.Errorf("decode %s PEM: unexpected type %q", blockType, block.Type)
	}
	if len(block.Bytes) != size {
		return nil, fmt.Errorf("decode %s PEM: invalid key size %d", blockType, len(block.Bytes))
	}
	return block.Bytes, nil
}

func writePEMBlock(path, blockType string, key []byte, perm os.FileMode) error {
	block := &pem.Block{Type: blockType, Bytes: key}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), perm); err != nil {
		return fmt.Errorf("write %s: %w", strings.ToLower(blockType), err)
	}
	return nil
}

// EncodeKey returns the wire (standard base64) form of raw key bytes.
func EncodeKey(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeEd25519PublicKey parses a base64 Ed25519 public key.
func DecodeEd25519PublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: decode Ed25519 public key: %v", ErrInvalidPublicKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: Ed25519 public key must be %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// DecodeX25519PublicKey parses a base64 X25519 public key.
func DecodeX25519PublicKey(encoded string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: decode X25519 public key: %v", ErrInvalidPublicKey, err)
	}
	return ParseX25519PublicKey(raw)
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint groups fingerprint text in uppercase chunks of 4.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}
	return b.String()
}
