package messaging

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"relaychat/models"
	"relaychat/storage"
)

// CreateDirectThread returns the direct thread with a peer given by handle
// or public key, creating it locally if needed.
func (m *Manager) CreateDirectThread(ctx context.Context, peer string) (models.Thread, error) {
	if err := m.ensureOpen(); err != nil {
		return models.Thread{}, err
	}
	resolved, err := m.ResolvePeer(ctx, peer)
	if err != nil {
		return models.Thread{}, err
	}
	if resolved.PublicKey == m.self {
		return models.Thread{}, errors.New("cannot open a direct thread with yourself")
	}

	thread := models.NewDirectThread(m.self, resolved.PublicKey, m.now().UnixMilli())
	thread.Title = resolved.Handle
	thread.AvatarURL = resolved.AvatarURL
	if _, err := m.store.EnsureThread(ctx, thread); err != nil {
		return models.Thread{}, wrapStorage("create direct thread", err)
	}
	return m.Thread(ctx, thread.ID)
}

// CreateGroupThread creates a group thread with the given members, each a
// handle or public key. Every member must resolve to an encryption key.
func (m *Manager) CreateGroupThread(ctx context.Context, title string, members []string) (models.Thread, error) {
	if err := m.ensureOpen(); err != nil {
		return models.Thread{}, err
	}
	if len(members) == 0 {
		return models.Thread{}, errors.New("group thread needs at least one other member")
	}
	keys := []string{m.self}
	for _, member := range members {
		peer, err := m.ResolvePeer(ctx, member)
		if err != nil {
			return models.Thread{}, err
		}
		keys = append(keys, peer.PublicKey)
	}
	keys = uniqueSorted(keys)
	if len(keys) < 2 {
		return models.Thread{}, errors.New("group thread needs at least one other member")
	}

	now := m.now().UnixMilli()
	thread := models.Thread{
		ID:              uuid.NewString(),
		Type:            models.ThreadGroup,
		ParticipantKeys: keys,
		Title:           title,
		CreatedAt:       now,
		LastActivityAt:  now,
	}
	if err := m.store.UpsertThread(ctx, thread); err != nil {
		return models.Thread{}, wrapStorage("create group thread", err)
	}
	return m.Thread(ctx, thread.ID)
}

// Thread returns one thread.
func (m *Manager) Thread(ctx context.Context, threadID string) (models.Thread, error) {
	thread, err := m.store.GetThread(ctx, threadID)
	if err != nil {
		return models.Thread{}, wrapStorage("get thread", err)
	}
	return thread, nil
}

// Threads lists threads, pinned first and then by latest activity.
func (m *Manager) Threads(ctx context.Context, filter storage.ThreadFilter) ([]models.Thread, error) {
	threads, err := m.store.ListThreads(ctx, filter)
	if err != nil {
		return nil, wrapStorage("list threads", err)
	}
	return threads, nil
}

// Messages returns one ascending page of a thread.
func (m *Manager) Messages(ctx context.Context, threadID string, page storage.MessagePage) ([]models.Message, error) {
	messages, err := m.store.GetMessages(ctx, threadID, page)
	if err != nil {
		return nil, wrapStorage("get messages", err)
	}
	return messages, nil
}

// DeleteThread removes a thread and its messages locally.
func (m *Manager) DeleteThread(ctx context.Context, threadID string) error {
	return m.threadOp("delete thread", m.store.DeleteThread(ctx, threadID))
}

func (m *Manager) SetThreadPinned(ctx context.Context, threadID string, pinned bool) error {
	return m.threadOp("pin thread", m.store.SetThreadPinned(ctx, threadID, pinned))
}

func (m *Manager) SetThreadMuted(ctx context.Context, threadID string, muted bool) error {
	return m.threadOp("mute thread", m.store.SetThreadMuted(ctx, threadID, muted))
}

func (m *Manager) SetThreadArchived(ctx context.Context, threadID string, archived bool) error {
	return m.threadOp("archive thread", m.store.SetThreadArchived(ctx, threadID, archived))
}

// SaveDraft stores unsent text for a thread, encrypted at rest.
func (m *Manager) SaveDraft(ctx context.Context, threadID, text string) error {
	return m.threadOp("save draft", m.store.SaveDraft(ctx, threadID, text))
}

func (m *Manager) threadOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return wrapStorage(op, err)
}
