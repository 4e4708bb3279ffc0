package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDirectThreadIDIsOrderIndependent(t *testing.T) {
	pairs := [][2]string{
		{"alice-key", "bob-key"},
		{"AAAA", "zzzz"},
		{"same-prefix-1", "same-prefix-2"},
	}
	for _, pair := range pairs {
		assert.Equal(t, DirectThreadID(pair[0], pair[1]), DirectThreadID(pair[1], pair[0]))
	}
	assert.NotEqual(t, DirectThreadID("a", "bc"), DirectThreadID("ab", "c"))
}

func TestNewDirectThreadUsesDerivedID(t *testing.T) {
	thread := NewDirectThread("bob", "alice", 10)
	assert.Equal(t, DirectThreadID("alice", "bob"), thread.ID)
	assert.Equal(t, []string{"alice", "bob"}, thread.ParticipantKeys)
	assert.True(t, thread.HasParticipant("bob"))
	assert.False(t, thread.HasParticipant("carol"))
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	cases := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusSending, StatusSent, true},
		{StatusSent, StatusDelivered, true},
		{StatusDelivered, StatusRead, true},
		{StatusSending, StatusRead, true},
		{StatusRead, StatusDelivered, false},
		{StatusDelivered, StatusSent, false},
		{StatusSending, StatusFailed, true},
		{StatusSent, StatusFailed, true},
		{StatusDelivered, StatusFailed, false},
		{StatusFailed, StatusSending, true},
		{StatusFailed, StatusRead, false},
		{StatusSent, StatusSent, false},
		{StatusSent, Status("bogus"), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestReactionSetIsIdempotent(t *testing.T) {
	reactions := map[string][]string{}
	assert.True(t, AddReaction(reactions, "👍", "bob"))
	assert.False(t, AddReaction(reactions, "👍", "bob"))
	assert.True(t, AddReaction(reactions, "👍", "alice"))
	assert.Equal(t, []string{"alice", "bob"}, reactions["👍"])

	assert.False(t, RemoveReaction(reactions, "🎉", "bob"))
	assert.True(t, RemoveReaction(reactions, "👍", "bob"))
	assert.False(t, RemoveReaction(reactions, "👍", "bob"))
	assert.True(t, RemoveReaction(reactions, "👍", "alice"))
	_, ok := reactions["👍"]
	assert.False(t, ok)
}
