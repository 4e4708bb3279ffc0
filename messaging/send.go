package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"relaychat/models"
	"relaychat/protocol"
	"relaychat/storage"
)

// SendOptions carries optional envelope fields for SendPayload.
type SendOptions struct {
	ReplyToID          string
	ExpiresAt          *int64
	Priority           protocol.Priority
	RequestReadReceipt bool
}

// SendText sends a plain text message into a thread.
func (m *Manager) SendText(ctx context.Context, threadID, text, replyToID string) (models.Message, error) {
	return m.SendPayload(ctx, threadID, models.TextPayload{Text: text}, SendOptions{ReplyToID: replyToID})
}

// SendPayload encrypts payload for every other participant of the thread and
// hands it to the relay. Content payloads are stored as sending first and
// then moved to sent or failed. A transport error leaves the message failed;
// retrying is up to the caller via ResendMessage.
func (m *Manager) SendPayload(ctx context.Context, threadID string, payload models.Payload, opts SendOptions) (models.Message, error) {
	if err := m.ensureOpen(); err != nil {
		return models.Message{}, err
	}
	if payload == nil {
		return models.Message{}, errors.New("payload is required")
	}
	thread, err := m.threadForSend(ctx, threadID)
	if err != nil {
		return models.Message{}, err
	}
	if !payload.Type().IsContent() {
		return models.Message{}, m.sendControl(ctx, thread, payload)
	}
	return m.sendContent(ctx, thread, uuid.NewString(), payload, opts)
}

// ResendMessage retries a failed outgoing message under its original id.
func (m *Manager) ResendMessage(ctx context.Context, messageID string) (models.Message, error) {
	if err := m.ensureOpen(); err != nil {
		return models.Message{}, err
	}
	message, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, wrapStorage("load message", err)
	}
	if !message.IsOutgoing || message.FromPublicKey != m.self {
		return models.Message{}, ErrNotOwnMessage
	}
	if message.Status != models.StatusFailed {
		return models.Message{}, fmt.Errorf("message %s is %s, only failed messages can be resent", messageID, message.Status)
	}
	thread, err := m.threadForSend(ctx, message.ThreadID)
	if err != nil {
		return models.Message{}, err
	}
	return m.sendContent(ctx, thread, message.ID, message.Payload, SendOptions{ReplyToID: message.ReplyToID})
}

// SendReaction adds or removes the local identity's emoji on a message and
// tells the other participants.
func (m *Manager) SendReaction(ctx context.Context, messageID, emoji string, remove bool) error {
	if err := m.ensureOpen(); err != nil {
		return err
	}
	message, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return wrapStorage("load message", err)
	}
	thread, err := m.threadForSend(ctx, message.ThreadID)
	if err != nil {
		return err
	}
	payload := models.ReactionPayload{MessageID: messageID, Emoji: emoji, Remove: remove}
	if err := m.sendControl(ctx, thread, payload); err != nil {
		return err
	}

	if remove {
		_, err = m.store.RemoveReaction(ctx, messageID, emoji, m.self)
	} else {
		_, err = m.store.AddReaction(ctx, messageID, emoji, m.self)
	}
	if err != nil {
		return wrapStorage("apply reaction", err)
	}
	m.bus.publish(Event{Type: EventMessageUpdated, ThreadID: thread.ID, MessageID: messageID})
	return nil
}

// DeleteMessage soft-deletes a local message. With forEveryone it also asks
// the other participants to delete it; only the author may do that.
func (m *Manager) DeleteMessage(ctx context.Context, messageID string, forEveryone bool) error {
	if err := m.ensureOpen(); err != nil {
		return err
	}
	message, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return wrapStorage("load message", err)
	}
	if forEveryone {
		if message.FromPublicKey != m.self {
			return ErrNotOwnMessage
		}
		thread, err := m.threadForSend(ctx, message.ThreadID)
		if err != nil {
			return err
		}
		if err := m.sendControl(ctx, thread, models.DeletePayload{MessageID: messageID, DeleteForEveryone: true}); err != nil {
			return err
		}
	}
	if err := m.store.SoftDeleteMessage(ctx, messageID); err != nil {
		return wrapStorage("delete message", err)
	}
	m.bus.publish(Event{Type: EventMessageUpdated, ThreadID: message.ThreadID, MessageID: messageID})
	return nil
}

// SendTyping forwards a typing indicator. It is realtime only.
func (m *Manager) SendTyping(ctx context.Context, threadID string, isTyping bool) error {
	if err := m.ensureOpen(); err != nil {
		return err
	}
	if err := m.relay.SendTyping(ctx, threadID, isTyping); err != nil {
		return fmt.Errorf("%w: typing: %w", ErrTransportFailure, err)
	}
	return nil
}

func (m *Manager) sendContent(ctx context.Context, thread models.Thread, messageID string, payload models.Payload, opts SendOptions) (models.Message, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function":   "sendContent",
		"thread_id":  thread.ID,
		"message_id": messageID,
	})

	env, err := m.buildEnvelope(ctx, thread, messageID, payload, opts)
	if err != nil {
		return models.Message{}, err
	}

	message := models.Message{
		ID:            env.ID,
		ThreadID:      thread.ID,
		FromPublicKey: m.self,
		FromHandle:    m.options.Handle,
		PayloadType:   env.PayloadType,
		Payload:       payload,
		Timestamp:     env.Timestamp,
		ReplyToID:     opts.ReplyToID,
		Status:        models.StatusSending,
		IsOutgoing:    true,
	}
	// A resend moves an existing failed row back to sending here.
	if _, err := m.store.SaveMessage(ctx, message); err != nil {
		return models.Message{}, wrapStorage("persist outgoing message", err)
	}
	m.bus.publish(Event{Type: EventStatusChanged, ThreadID: thread.ID, MessageID: message.ID, Status: models.StatusSending})

	if sendErr := m.relay.Send(ctx, env); sendErr != nil {
		logger.WithField("error", sendErr.Error()).Warn("Relay send failed, message marked failed")
		if err := m.setStatus(ctx, thread.ID, message.ID, models.StatusFailed); err != nil {
			return message, err
		}
		message.Status = models.StatusFailed
		return message, fmt.Errorf("%w: send %s: %w", ErrTransportFailure, message.ID, sendErr)
	}

	if err := m.setStatus(ctx, thread.ID, message.ID, models.StatusSent); err != nil {
		return message, err
	}
	message.Status = models.StatusSent
	logger.Debug("Message sent")
	return message, nil
}

// sendControl transmits a reaction or delete. These are not stored as rows
// of their own.
func (m *Manager) sendControl(ctx context.Context, thread models.Thread, payload models.Payload) error {
	env, err := m.buildEnvelope(ctx, thread, uuid.NewString(), payload, SendOptions{})
	if err != nil {
		return err
	}
	if err := m.relay.Send(ctx, env); err != nil {
		return fmt.Errorf("%w: send %s: %w", ErrTransportFailure, payload.Type(), err)
	}
	return nil
}

func (m *Manager) buildEnvelope(ctx context.Context, thread models.Thread, id string, payload models.Payload, opts SendOptions) (protocol.Envelope, error) {
	recipients := make([]protocol.Recipient, 0, len(thread.ParticipantKeys))
	for _, key := range thread.ParticipantKeys {
		if key == m.self {
			continue
		}
		peer, err := m.ResolvePeer(ctx, key)
		if err != nil {
			return protocol.Envelope{}, err
		}
		recipients = append(recipients, protocol.Recipient{PublicKey: peer.PublicKey, EncryptionKey: peer.EncryptionKey})
	}
	if len(recipients) == 0 {
		return protocol.Envelope{}, fmt.Errorf("thread %s has no other participants", thread.ID)
	}

	env, err := protocol.BuildEnvelope(protocol.BuildParams{
		Payload:            payload,
		Sender:             m.options.Identity,
		SenderHandle:       m.options.Handle,
		To:                 recipients,
		ThreadID:           thread.ID,
		ReplyToID:          opts.ReplyToID,
		ExpiresAt:          opts.ExpiresAt,
		Priority:           opts.Priority,
		RequestReadReceipt: opts.RequestReadReceipt,
		ID:                 id,
		Now:                m.now(),
	})
	if err != nil {
		return protocol.Envelope{}, err
	}
	return env, nil
}

func (m *Manager) threadForSend(ctx context.Context, threadID string) (models.Thread, error) {
	thread, err := m.store.GetThread(ctx, threadID)
	if err != nil {
		return models.Thread{}, wrapStorage("load thread", err)
	}
	if !thread.HasParticipant(m.self) {
		return models.Thread{}, fmt.Errorf("thread %s does not include this identity", threadID)
	}
	return thread, nil
}

func (m *Manager) setStatus(ctx context.Context, threadID, messageID string, status models.Status) error {
	if err := m.store.UpdateMessageStatus(ctx, messageID, status); err != nil {
		return wrapStorage("update status", err)
	}
	m.bus.publish(Event{Type: EventStatusChanged, ThreadID: threadID, MessageID: messageID, Status: status})
	return nil
}

// wrapStorage tags store errors. Not-found stays distinguishable through
// storage.ErrNotFound.
func wrapStorage(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageTransactionFailed, op, err)
}
