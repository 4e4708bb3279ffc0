package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"relaychat/crypto"
	"relaychat/relay"
)

// ResolvePeer looks up a handle or identity public key, consulting the key
// cache before the relay directory. A peer without a usable encryption key
// is an ErrKeyResolutionFailed.
func (m *Manager) ResolvePeer(ctx context.Context, handleOrKey string) (Peer, error) {
	if handleOrKey == "" {
		return Peer{}, fmt.Errorf("%w: empty handle or key", ErrKeyResolutionFailed)
	}
	if peer, ok := m.keys.get(handleOrKey); ok {
		return peer, nil
	}

	var (
		info  relay.IdentityInfo
		err   error
		byKey bool
	)
	if _, keyErr := crypto.DecodeEd25519PublicKey(handleOrKey); keyErr == nil {
		byKey = true
		info, err = m.relay.GetIdentity(ctx, handleOrKey)
	} else {
		info, err = m.relay.ResolveHandleInfo(ctx, handleOrKey)
	}
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			return Peer{}, fmt.Errorf("%w: %s: %w", ErrKeyResolutionFailed, handleOrKey, err)
		}
		return Peer{}, fmt.Errorf("%w: %w: lookup %s: %w", ErrKeyResolutionFailed, ErrTransportFailure, handleOrKey, err)
	}

	if _, err := crypto.DecodeEd25519PublicKey(info.PublicKey); err != nil {
		return Peer{}, fmt.Errorf("%w: %s: %w", ErrKeyResolutionFailed, handleOrKey, err)
	}
	if byKey && info.PublicKey != handleOrKey {
		logrus.WithFields(logrus.Fields{
			"function":  "ResolvePeer",
			"requested": shortKey(handleOrKey),
			"returned":  shortKey(info.PublicKey),
		}).Warn("Relay returned identity for a different key")
		return Peer{}, fmt.Errorf("%w: relay answered %s with identity %s", ErrKeyResolutionFailed, shortKey(handleOrKey), shortKey(info.PublicKey))
	}
	encryptionKey, err := crypto.DecodeX25519PublicKey(info.EncryptionKey)
	if err != nil {
		return Peer{}, fmt.Errorf("%w: %s has no usable encryption key: %w", ErrKeyResolutionFailed, handleOrKey, err)
	}

	peer := Peer{
		PublicKey:     info.PublicKey,
		Handle:        info.Handle,
		EncryptionKey: encryptionKey,
		DisplayName:   info.DisplayName,
		AvatarURL:     info.AvatarURL,
	}
	m.keys.put(peer)

	logrus.WithFields(logrus.Fields{
		"function": "ResolvePeer",
		"peer":     shortKey(peer.PublicKey),
		"handle":   peer.Handle,
	}).Debug("Resolved peer encryption key")
	return peer, nil
}

// InvalidateKey forgets the cached key for a handle or public key so the
// next resolution goes back to the relay.
func (m *Manager) InvalidateKey(handleOrKey string) {
	m.keys.invalidate(handleOrKey)
}
