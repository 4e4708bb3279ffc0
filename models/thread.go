package models

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// ThreadType distinguishes one-to-one from multi-party threads.
type ThreadType string

const (
	ThreadDirect ThreadType = "direct"
	ThreadGroup  ThreadType = "group"
)

const directThreadPrefix = "dm_"

// Thread is a conversation among a fixed participant set.
type Thread struct {
	ID              string            `json:"id"`
	Type            ThreadType        `json:"type"`
	ParticipantKeys []string          `json:"participant_keys"`
	Title           string            `json:"title,omitempty"`
	AvatarURL       string            `json:"avatar_url,omitempty"`
	CreatedAt       int64             `json:"created_at"`
	LastActivityAt  int64             `json:"last_activity_at"`
	UnreadCount     int               `json:"unread_count"`
	IsPinned        bool              `json:"is_pinned"`
	IsMuted         bool              `json:"is_muted"`
	IsArchived      bool              `json:"is_archived"`
	DraftText       string            `json:"draft_text,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// DirectThreadID derives the id both peers compute for their direct thread.
// It is a pure function of the unordered key pair.
func DirectThreadID(a, b string) string {
	keys := []string{a, b}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(keys[0]))
	h.Write([]byte{0})
	h.Write([]byte(keys[1]))
	return directThreadPrefix + hex.EncodeToString(h.Sum(nil))[:40]
}

// NewDirectThread builds the direct thread between two identity keys.
func NewDirectThread(self, peer string, now int64) Thread {
	keys := []string{self, peer}
	sort.Strings(keys)
	return Thread{
		ID:              DirectThreadID(self, peer),
		Type:            ThreadDirect,
		ParticipantKeys: keys,
		CreatedAt:       now,
		LastActivityAt:  now,
	}
}

// HasParticipant reports whether publicKey belongs to the thread.
func (t Thread) HasParticipant(publicKey string) bool {
	for _, key := range t.ParticipantKeys {
		if key == publicKey {
			return true
		}
	}
	return false
}
