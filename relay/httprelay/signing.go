package httprelay

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"relaychat/crypto"
)

const (
	HeaderKey       = "X-Relay-Key"
	HeaderNonce     = "X-Relay-Nonce"
	HeaderTimestamp = "X-Relay-Timestamp"
	HeaderSignature = "X-Relay-Signature"
)

// SignatureWindow bounds how far a request timestamp may be from the
// verifier's clock, in either direction.
const SignatureWindow = 30 * time.Second

// ErrUnauthenticated is returned by VerifyRequest for unsigned or forged requests.
var ErrUnauthenticated = errors.New("httprelay: request authentication failed")

func signaturePayload(method, path string, body []byte, nonce string, timestamp int64) []byte {
	sum := sha256.Sum256(body)
	return []byte(fmt.Sprintf("%s|%s|%s|%s|%d", method, path, hex.EncodeToString(sum[:]), nonce, timestamp))
}

func signRequest(req *http.Request, body []byte, identity crypto.Identity, now time.Time) error {
	nonceBytes := make([]byte, 12)
	if _, err := rand.Read(nonceBytes); err != nil {
		return fmt.Errorf("generate request nonce: %w", err)
	}
	nonce := hex.EncodeToString(nonceBytes)
	timestamp := now.UnixMilli()

	signature, err := crypto.Sign(identity.SigningKey, signaturePayload(req.Method, req.URL.Path, body, nonce, timestamp))
	if err != nil {
		return err
	}

	req.Header.Set(HeaderKey, identity.PublicKeyString())
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(timestamp, 10))
	req.Header.Set(HeaderSignature, base64.StdEncoding.EncodeToString(signature))
	return nil
}

// VerifyRequest authenticates a signed request and returns the caller's
// public key. The body is restored so handlers can read it again.
func VerifyRequest(r *http.Request, now time.Time) (string, error) {
	publicKey := r.Header.Get(HeaderKey)
	nonce := r.Header.Get(HeaderNonce)
	timestamp := r.Header.Get(HeaderTimestamp)
	signature := r.Header.Get(HeaderSignature)
	if publicKey == "" || nonce == "" || timestamp == "" || signature == "" {
		return "", fmt.Errorf("%w: missing auth headers", ErrUnauthenticated)
	}
	if len(nonce) < 24 {
		return "", fmt.Errorf("%w: nonce too short", ErrUnauthenticated)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: invalid timestamp", ErrUnauthenticated)
	}
	nowMs := now.UnixMilli()
	window := SignatureWindow.Milliseconds()
	if ts <= nowMs-window || ts >= nowMs+window {
		return "", fmt.Errorf("%w: timestamp outside window", ErrUnauthenticated)
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return "", fmt.Errorf("%w: signature encoding", ErrUnauthenticated)
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return "", fmt.Errorf("read request body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	if err := crypto.VerifyEncoded(publicKey, signaturePayload(r.Method, r.URL.Path, body, nonce, ts), sig); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return publicKey, nil
}
