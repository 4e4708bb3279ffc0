package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"relaychat/models"
	"relaychat/storage"
)

// MarkAsRead marks incoming messages of a thread read, zeroes its unread
// counter and reports the ids to the relay's read-receipt call. An empty id
// list covers every unread message. Receipts are never sent as envelopes.
func (m *Manager) MarkAsRead(ctx context.Context, threadID string, messageIDs []string) ([]string, error) {
	if err := m.ensureOpen(); err != nil {
		return nil, err
	}
	changed, err := m.store.MarkMessagesRead(ctx, threadID, messageIDs)
	if err != nil {
		return nil, wrapStorage("mark messages read", err)
	}
	m.bus.publish(Event{Type: EventThreadRead, ThreadID: threadID})
	if len(changed) == 0 {
		return changed, nil
	}

	if err := m.relay.MarkMessagesRead(ctx, changed); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "MarkAsRead",
			"thread_id": threadID,
			"count":     len(changed),
			"error":     err.Error(),
		}).Warn("Read receipt not delivered to relay")
		return changed, fmt.Errorf("%w: read receipt: %w", ErrTransportFailure, err)
	}
	return changed, nil
}

// MarkThreadRead marks every unread message of the thread read.
func (m *Manager) MarkThreadRead(ctx context.Context, threadID string) error {
	_, err := m.MarkAsRead(ctx, threadID, nil)
	return err
}

// ApplyReceipt advances an outgoing message to delivered or read when the
// relay reports it. Receipts that would move a message backwards are ignored.
func (m *Manager) ApplyReceipt(ctx context.Context, messageID string, status models.Status) error {
	if err := m.ensureOpen(); err != nil {
		return err
	}
	if status != models.StatusDelivered && status != models.StatusRead {
		return fmt.Errorf("receipt status must be delivered or read, got %q", status)
	}
	message, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return wrapStorage("load message", err)
	}
	if !message.IsOutgoing {
		return ErrNotOwnMessage
	}
	if message.Status == status {
		return nil
	}

	err = m.store.UpdateMessageStatus(ctx, messageID, status)
	if errors.Is(err, storage.ErrStatusRegression) {
		logrus.WithFields(logrus.Fields{
			"function":   "ApplyReceipt",
			"message_id": messageID,
			"current":    message.Status,
			"receipt":    status,
		}).Debug("Ignoring out-of-order receipt")
		return nil
	}
	if err != nil {
		return wrapStorage("apply receipt", err)
	}
	m.bus.publish(Event{Type: EventStatusChanged, ThreadID: message.ThreadID, MessageID: messageID, Status: status})
	return nil
}
