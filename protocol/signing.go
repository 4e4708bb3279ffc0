package protocol

import (
	"encoding/binary"
	"fmt"

	"relaychat/crypto"
)

const signingDomain = "relaychat/envelope/v1"

const (
	modeTagSingle byte = 1
	modeTagMulti  byte = 2
)

// signingWriter builds an unambiguous byte string: every variable field is
// prefixed with its big-endian length.
type signingWriter struct {
	buf []byte
}

func (w *signingWriter) bytes(b []byte) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *signingWriter) string(s string) {
	w.bytes([]byte(s))
}

func (w *signingWriter) strings(list []string) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(list)))
	for _, s := range list {
		w.string(s)
	}
}

func (w *signingWriter) int64(v int64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v))
}

func (w *signingWriter) flag(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

// SigningBytes returns the canonical bytes covered by the envelope signature.
// Every field except Signature is included, in a fixed order.
func (e Envelope) SigningBytes() []byte {
	w := &signingWriter{buf: make([]byte, 0, 256+len(e.EncryptedPayload))}
	w.string(signingDomain)
	w.string(e.ID)
	w.string(e.FromPublicKey)
	w.string(e.FromHandle)
	w.strings(e.ToPublicKeys)
	w.strings(e.CCPublicKeys)
	w.string(string(e.PayloadType))
	w.bytes(e.EncryptedPayload)
	w.int64(int64(e.PayloadSize))
	w.string(e.ThreadID)
	w.string(e.ReplyToID)
	w.int64(e.Timestamp)
	w.flag(e.ExpiresAt != nil)
	if e.ExpiresAt != nil {
		w.int64(*e.ExpiresAt)
	}

	switch keys := e.Keys.(type) {
	case SingleRecipient:
		w.buf = append(w.buf, modeTagSingle)
		w.bytes(keys.EphemeralPublicKey)
	case MultiRecipient:
		w.buf = append(w.buf, modeTagMulti)
		w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(keys.WrappedKeys)))
		for _, wrapped := range keys.WrappedKeys {
			w.string(wrapped.PublicKey)
			w.bytes(wrapped.Nonce)
			w.bytes(wrapped.Key)
		}
	default:
		w.buf = append(w.buf, 0)
	}

	w.bytes(e.Nonce)
	w.int64(int64(e.Priority))
	w.flag(e.RequestReadReceipt)
	return w.buf
}

// VerifyEnvelope checks the sender signature over the canonical bytes.
func VerifyEnvelope(e Envelope) error {
	if err := crypto.VerifyEncoded(e.FromPublicKey, e.SigningBytes(), e.Signature); err != nil {
		return fmt.Errorf("%w: envelope %s: %v", ErrSignatureInvalid, e.ID, err)
	}
	return nil
}

func signEnvelope(e *Envelope, sender crypto.Identity) error {
	signature, err := crypto.Sign(sender.SigningKey, e.SigningBytes())
	if err != nil {
		return fmt.Errorf("sign envelope: %w", err)
	}
	e.Signature = signature
	return nil
}
