package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"relaychat/models"
	"relaychat/protocol"
	"relaychat/storage"
)

// Security event types recorded for envelopes that are dropped at ingest.
const (
	EventTypeSignatureInvalid  = "envelope_signature_invalid"
	EventTypeDecryptionFailed  = "envelope_decryption_failed"
	EventTypeMalformed         = "envelope_malformed"
	EventTypeExpired           = "envelope_expired"
	EventTypeThreadMismatch    = "envelope_thread_mismatch"
	EventTypeSenderKeyMissing  = "envelope_sender_key_unavailable"
	EventTypeUnsupportedAction = "envelope_unsupported_action"
)

// ingested is the outcome of verifying and decrypting one envelope. Exactly
// one of duplicate, deferred, drop or a payload result is set.
type ingested struct {
	env protocol.Envelope

	duplicate bool
	// deferred envelopes hit a local or transport error and stay on the
	// relay for the next pass.
	deferred error

	drop    string
	dropErr error

	thread   *models.Thread
	message  *models.Message
	reaction *storage.ReactionChange
	deletion *storage.Deletion
}

func dropped(env protocol.Envelope, eventType string, err error) ingested {
	return ingested{env: env, drop: eventType, dropErr: err}
}

// prepare runs everything for one envelope that can happen outside the
// batch transaction. It only reads from the store.
func (m *Manager) prepare(ctx context.Context, env protocol.Envelope) ingested {
	if env.Expired(m.now().UnixMilli()) {
		return dropped(env, EventTypeExpired, nil)
	}
	if err := env.Validate(); err != nil {
		return dropped(env, EventTypeMalformed, err)
	}
	// The signature is checked before anything is looked up on behalf of
	// the envelope.
	if err := protocol.VerifyEnvelope(env); err != nil {
		return dropped(env, EventTypeSignatureInvalid, err)
	}

	seen, err := m.store.HasSeenID(ctx, env.ID)
	if err != nil {
		return ingested{env: env, deferred: err}
	}
	if seen {
		return ingested{env: env, duplicate: true}
	}

	var peer Peer
	if env.NeedsSenderKey() {
		peer, err = m.ResolvePeer(ctx, env.FromPublicKey)
		if errors.Is(err, ErrTransportFailure) {
			return ingested{env: env, deferred: err}
		}
		if err != nil {
			return dropped(env, EventTypeSenderKeyMissing, err)
		}
	}

	payload, err := protocol.OpenEnvelope(env, m.options.Identity, peer.EncryptionKey)
	if err != nil {
		return dropped(env, classifyOpenError(err), err)
	}

	thread, reason, err := m.threadForIncoming(ctx, env)
	if err != nil {
		return ingested{env: env, deferred: err}
	}
	if reason != "" {
		return dropped(env, reason, nil)
	}

	result := ingested{env: env, thread: &thread}
	switch p := payload.(type) {
	case models.ReactionPayload:
		result.reaction = &storage.ReactionChange{
			MessageID: p.MessageID,
			Emoji:     p.Emoji,
			PublicKey: env.FromPublicKey,
			Remove:    p.Remove,
		}
	case models.DeletePayload:
		if !p.DeleteForEveryone {
			return dropped(env, EventTypeUnsupportedAction, errors.New("local-only delete sent over the wire"))
		}
		result.deletion = &storage.Deletion{MessageID: p.MessageID, FromPublicKey: env.FromPublicKey}
	default:
		outgoing := env.FromPublicKey == m.self
		status := models.StatusDelivered
		if outgoing {
			status = models.StatusSent
		}
		result.message = &models.Message{
			ID:            env.ID,
			ThreadID:      thread.ID,
			FromPublicKey: env.FromPublicKey,
			FromHandle:    env.FromHandle,
			PayloadType:   env.PayloadType,
			Payload:       payload,
			Timestamp:     env.Timestamp,
			ReplyToID:     env.ReplyToID,
			Status:        status,
			IsOutgoing:    outgoing,
		}
	}
	return result
}

func classifyOpenError(err error) string {
	switch {
	case errors.Is(err, protocol.ErrSignatureInvalid):
		return EventTypeSignatureInvalid
	case errors.Is(err, protocol.ErrDecryptionFailed):
		return EventTypeDecryptionFailed
	case errors.Is(err, protocol.ErrSenderKeyRequired):
		return EventTypeSenderKeyMissing
	default:
		return EventTypeMalformed
	}
}

// threadForIncoming decides which thread an authenticated envelope belongs
// to. One-to-one envelopes map to the derived direct thread. Anything else
// names its thread explicitly; an existing thread must already contain the
// sender, a new one is created from the envelope's participants.
func (m *Manager) threadForIncoming(ctx context.Context, env protocol.Envelope) (models.Thread, string, error) {
	direct := models.DirectThreadID(env.FromPublicKey, m.self)
	recipients := env.Recipients()
	if len(recipients) == 1 && (env.ThreadID == "" || env.ThreadID == direct) {
		thread := models.NewDirectThread(m.self, env.FromPublicKey, env.Timestamp)
		thread.Title = env.FromHandle
		return thread, "", nil
	}
	if env.ThreadID == "" {
		return models.Thread{}, EventTypeMalformed, nil
	}

	existing, err := m.store.GetThread(ctx, env.ThreadID)
	switch {
	case err == nil:
		if !existing.HasParticipant(env.FromPublicKey) || !existing.HasParticipant(m.self) {
			return models.Thread{}, EventTypeThreadMismatch, nil
		}
		return existing, "", nil
	case !errors.Is(err, storage.ErrNotFound):
		return models.Thread{}, "", err
	}

	// An unknown thread id starts a group, including a two-member group
	// whose envelopes carry a single recipient.
	participants := uniqueSorted(append([]string{env.FromPublicKey, m.self}, recipients...))
	return models.Thread{
		ID:              env.ThreadID,
		Type:            models.ThreadGroup,
		ParticipantKeys: participants,
		CreatedAt:       env.Timestamp,
		LastActivityAt:  env.Timestamp,
	}, "", nil
}

type batchOutcome struct {
	acked         []string
	stored        int
	duplicates    int
	dropped       int
	deferred      int
	lastTimestamp int64
}

// processBatch verifies and decrypts envelopes in parallel, then persists
// every accepted result in one transaction. Nothing is acknowledged when the
// transaction fails.
func (m *Manager) processBatch(ctx context.Context, envs []protocol.Envelope) (batchOutcome, error) {
	results := m.prepareAll(ctx, envs)

	var (
		outcome  batchOutcome
		batch    storage.Batch
		threadOf = make(map[string]string)
		drops    []ingested
	)
	for _, in := range results {
		if in.env.Timestamp > outcome.lastTimestamp {
			outcome.lastTimestamp = in.env.Timestamp
		}
		switch {
		case in.deferred != nil:
			outcome.deferred++
			logrus.WithFields(logrus.Fields{
				"function":    "processBatch",
				"envelope_id": in.env.ID,
				"error":       in.deferred.Error(),
			}).Warn("Envelope deferred to next sync")
			continue
		case in.duplicate:
			outcome.duplicates++
		case in.drop != "":
			outcome.dropped++
			drops = append(drops, in)
		default:
			batch.Threads = append(batch.Threads, *in.thread)
			batch.SeenIDs = append(batch.SeenIDs, in.env.ID)
			switch {
			case in.message != nil:
				batch.Messages = append(batch.Messages, *in.message)
			case in.reaction != nil:
				batch.Reactions = append(batch.Reactions, *in.reaction)
				threadOf[in.reaction.MessageID] = in.thread.ID
			case in.deletion != nil:
				batch.Deletions = append(batch.Deletions, *in.deletion)
				threadOf[in.deletion.MessageID] = in.thread.ID
			}
		}
		outcome.acked = append(outcome.acked, in.env.ID)
	}

	saved, err := m.store.SaveMessagesBatch(ctx, batch)
	if err != nil {
		return batchOutcome{}, fmt.Errorf("%w: save batch of %d: %w", ErrStorageTransactionFailed, len(envs), err)
	}
	outcome.stored = len(saved.Inserted)

	for i := range saved.Inserted {
		message := saved.Inserted[i]
		m.bus.publish(Event{Type: EventMessageReceived, ThreadID: message.ThreadID, MessageID: message.ID, Message: &message})
	}
	for _, id := range append(append([]string(nil), saved.Reacted...), saved.Deleted...) {
		m.bus.publish(Event{Type: EventMessageUpdated, ThreadID: threadOf[id], MessageID: id})
	}
	m.recordDrops(ctx, drops)
	return outcome, nil
}

func (m *Manager) prepareAll(ctx context.Context, envs []protocol.Envelope) []ingested {
	results := make([]ingested, len(envs))
	if len(envs) == 1 {
		results[0] = m.prepare(ctx, envs[0])
		return results
	}

	g, gctx := newDecryptGroup(ctx, m.options.DecryptWorkers)
	for i := range envs {
		g.Go(func() error {
			results[i] = m.prepare(gctx, envs[i])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// recordDrops writes dropped envelopes to the local security log. They are
// never shown as messages or errors.
func (m *Manager) recordDrops(ctx context.Context, drops []ingested) {
	for _, in := range drops {
		logger := logrus.WithFields(logrus.Fields{
			"function":    "recordDrops",
			"envelope_id": in.env.ID,
			"sender":      shortKey(in.env.FromPublicKey),
			"reason":      in.drop,
		})
		if in.drop == EventTypeSignatureInvalid {
			logger.Warn("Dropped envelope with invalid signature")
		} else {
			logger.Debug("Dropped envelope")
		}

		details := map[string]string{"envelope_id": in.env.ID, "payload_type": string(in.env.PayloadType)}
		if in.dropErr != nil {
			details["error"] = in.dropErr.Error()
		}
		raw, _ := json.Marshal(details)
		sender := in.env.FromPublicKey
		if err := m.store.LogSecurityEvent(ctx, storage.SecurityEvent{
			EventType:     in.drop,
			PeerPublicKey: &sender,
			Details:       string(raw),
			Severity:      dropSeverity(in.drop),
			Timestamp:     m.now().UnixMilli(),
		}); err != nil {
			logger.WithField("error", err.Error()).Warn("Failed to record security event")
		}
	}
}

func dropSeverity(eventType string) string {
	switch eventType {
	case EventTypeSignatureInvalid:
		return storage.SecuritySeverityCritical
	case EventTypeDecryptionFailed, EventTypeThreadMismatch:
		return storage.SecuritySeverityWarning
	default:
		return storage.SecuritySeverityInfo
	}
}

func uniqueSorted(keys []string) []string {
	set := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := set[key]; ok {
			continue
		}
		set[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
