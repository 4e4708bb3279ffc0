package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat/models"
	"relaychat/protocol"
	"relaychat/relay"
	"relaychat/storage"
)

func TestDirectMessageStoreAndForward(t *testing.T) {
	ctx := context.Background()
	hub := relay.NewHub()
	alice := newTestPeer(t, hub, "alice")
	bob := newTestPeer(t, hub, "bob")

	thread, err := alice.manager.CreateDirectThread(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, directThreadID(alice, bob), thread.ID)
	assert.Equal(t, "bob", thread.Title)

	sent, err := alice.manager.SendText(ctx, thread.ID, "hi", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, sent.Status)

	envelopes := alice.channel.Sent()
	require.Len(t, envelopes, 1)
	env := envelopes[0]
	assert.Equal(t, "single", env.Mode())
	assert.Equal(t, []string{bob.key()}, env.ToPublicKeys)
	single, ok := env.Keys.(protocol.SingleRecipient)
	require.True(t, ok)
	assert.Len(t, single.EphemeralPublicKey, 32)
	assert.Equal(t, 1, hub.PendingCount(bob.key()))

	stored, err := alice.store.GetMessage(ctx, sent.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsOutgoing)
	assert.Equal(t, models.StatusSent, stored.Status)

	result, err := bob.manager.SyncMessages(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stored)
	assert.Equal(t, 0, hub.PendingCount(bob.key()))

	bobThread, err := bob.manager.Thread(ctx, directThreadID(alice, bob))
	require.NoError(t, err)
	assert.Equal(t, models.ThreadDirect, bobThread.Type)
	assert.Equal(t, 1, bobThread.UnreadCount)

	messages, err := bob.manager.Messages(ctx, bobThread.ID, storage.MessagePage{})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, models.TextPayload{Text: "hi"}, messages[0].Payload)
	assert.Equal(t, alice.key(), messages[0].FromPublicKey)
	assert.Equal(t, models.StatusDelivered, messages[0].Status)
	assert.False(t, messages[0].IsOutgoing)
}

func TestSendFailsWhenKeyCannotBeResolved(t *testing.T) {
	ctx := context.Background()
	hub := relay.NewHub()
	alice := newTestPeer(t, hub, "alice")

	_, err := alice.manager.CreateDirectThread(ctx, "nobody")
	require.ErrorIs(t, err, ErrKeyResolutionFailed)
	assert.ErrorIs(t, err, relay.ErrNotFound)

	bob := newTestPeer(t, hub, "bob")
	// Published without an encryption key.
	hub.Register(relay.IdentityInfo{PublicKey: bob.key(), Handle: "bob"})

	thread := models.NewDirectThread(alice.key(), bob.key(), 1_000)
	_, err = alice.store.EnsureThread(ctx, thread)
	require.NoError(t, err)

	_, err = alice.manager.SendText(ctx, thread.ID, "hello?", "")
	require.ErrorIs(t, err, ErrKeyResolutionFailed)
	assert.Empty(t, alice.channel.Sent())

	messages, err := alice.manager.Messages(ctx, thread.ID, storage.MessagePage{})
	require.NoError(t, err)
	assert.Empty(t, messages)
}

// lyingDirectory answers every GetIdentity with the same identity.
type lyingDirectory struct {
	relay.Channel
	answer relay.IdentityInfo
}

func (d lyingDirectory) GetIdentity(context.Context, string) (relay.IdentityInfo, error) {
	return d.answer, nil
}

func TestResolvePeerRejectsSubstitutedIdentity(t *testing.T) {
	ctx := context.Background()
	hub := relay.NewHub()
	mallory := newTestPeer(t, hub, "mallory")
	alice := newTestPeer(t, hub, "alice", func(o *ManagerOptions) {
		o.Relay = lyingDirectory{Channel: o.Relay, answer: relay.IdentityInfo{
			PublicKey:     mallory.key(),
			Handle:        "bob",
			EncryptionKey: mallory.identity.EncryptionPublicKeyString(),
		}}
	})
	bob := newTestPeer(t, hub, "bob")

	_, err := alice.manager.ResolvePeer(ctx, bob.key())
	require.ErrorIs(t, err, ErrKeyResolutionFailed)
	assert.NotErrorIs(t, err, ErrTransportFailure)

	thread := models.NewDirectThread(alice.key(), bob.key(), 1_000)
	_, err = alice.store.EnsureThread(ctx, thread)
	require.NoError(t, err)
	_, err = alice.manager.SendText(ctx, thread.ID, "for bob only", "")
	require.ErrorIs(t, err, ErrKeyResolutionFailed)
	assert.Empty(t, alice.channel.Sent())

	_, err = alice.manager.ResolvePeer(ctx, mallory.key())
	require.NoError(t, err, "a truthful answer still resolves")
}

func TestTransportFailureMarksMessageFailed(t *testing.T) {
	ctx := context.Background()
	hub := relay.NewHub()
	alice := newTestPeer(t, hub, "alice")
	bob := newTestPeer(t, hub, "bob")

	thread, err := alice.manager.CreateDirectThread(ctx, bob.key())
	require.NoError(t, err)

	alice.channel.FailSends(errors.New("relay unavailable"))
	message, err := alice.manager.SendText(ctx, thread.ID, "are you there", "")
	require.ErrorIs(t, err, ErrTransportFailure)
	assert.Equal(t, models.StatusFailed, message.Status)

	stored, err := alice.store.GetMessage(ctx, message.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)

	alice.channel.FailSends(nil)
	resent, err := alice.manager.ResendMessage(ctx, message.ID)
	require.NoError(t, err)
	assert.Equal(t, message.ID, resent.ID)
	assert.Equal(t, models.StatusSent, resent.Status)

	_, err = alice.manager.ResendMessage(ctx, message.ID)
	assert.Error(t, err, "only failed messages can be resent")

	result, err := bob.manager.SyncMessages(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stored)
	received, err := bob.store.GetMessage(ctx, message.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TextPayload{Text: "are you there"}, received.Payload)
}

func TestReactionsAndDeletesPropagate(t *testing.T) {
	ctx := context.Background()
	hub := relay.NewHub()
	alice := newTestPeer(t, hub, "alice")
	bob := newTestPeer(t, hub, "bob")

	thread, err := alice.manager.CreateDirectThread(ctx, "bob")
	require.NoError(t, err)
	message, err := alice.manager.SendText(ctx, thread.ID, "lunch?", "")
	require.NoError(t, err)
	_, err = bob.manager.SyncMessages(ctx, 0)
	require.NoError(t, err)

	require.NoError(t, bob.manager.SendReaction(ctx, message.ID, "👍", false))
	local, err := bob.store.GetMessage(ctx, message.ID)
	require.NoError(t, err)
	assert.True(t, local.HasReaction("👍", bob.key()))

	result, err := alice.manager.SyncMessages(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Stored, "reactions do not create message rows")
	reacted, err := alice.store.GetMessage(ctx, message.ID)
	require.NoError(t, err)
	assert.True(t, reacted.HasReaction("👍", bob.key()))

	err = bob.manager.DeleteMessage(ctx, message.ID, true)
	require.ErrorIs(t, err, ErrNotOwnMessage)

	require.NoError(t, alice.manager.DeleteMessage(ctx, message.ID, true))
	_, err = bob.manager.SyncMessages(ctx, 0)
	require.NoError(t, err)
	deleted, err := bob.store.GetMessage(ctx, message.ID)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
}

func TestGroupThreadUsesWrappedKeys(t *testing.T) {
	ctx := context.Background()
	hub := relay.NewHub()
	alice := newTestPeer(t, hub, "alice")
	bob := newTestPeer(t, hub, "bob")
	carol := newTestPeer(t, hub, "carol")

	thread, err := alice.manager.CreateGroupThread(ctx, "trip", []string{"bob", "carol"})
	require.NoError(t, err)
	assert.Equal(t, models.ThreadGroup, thread.Type)
	assert.Len(t, thread.ParticipantKeys, 3)

	_, err = alice.manager.SendText(ctx, thread.ID, "who is driving", "")
	require.NoError(t, err)
	env := alice.channel.Sent()[0]
	assert.Equal(t, "multi", env.Mode())
	multi, ok := env.Keys.(protocol.MultiRecipient)
	require.True(t, ok)
	assert.Len(t, multi.WrappedKeys, 2)

	for _, peer := range []*testPeer{bob, carol} {
		result, err := peer.manager.SyncMessages(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Stored)

		received, err := peer.manager.Thread(ctx, thread.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ThreadGroup, received.Type)
		assert.ElementsMatch(t, thread.ParticipantKeys, received.ParticipantKeys)
		assert.Equal(t, 1, received.UnreadCount)
	}

	_, err = bob.manager.SendText(ctx, thread.ID, "me", "")
	require.NoError(t, err)
	result, err := alice.manager.SyncMessages(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stored)

	messages, err := alice.manager.Messages(ctx, thread.ID, storage.MessagePage{})
	require.NoError(t, err)
	require.Len(t, messages, 2)
	senders := []string{messages[0].FromPublicKey, messages[1].FromPublicKey}
	assert.ElementsMatch(t, []string{alice.key(), bob.key()}, senders)
}

func TestTwoMemberGroupReachesPeer(t *testing.T) {
	ctx := context.Background()
	hub := relay.NewHub()
	alice := newTestPeer(t, hub, "alice")
	bob := newTestPeer(t, hub, "bob")

	thread, err := alice.manager.CreateGroupThread(ctx, "pair", []string{"bob"})
	require.NoError(t, err)
	require.NotEqual(t, directThreadID(alice, bob), thread.ID)

	sent, err := alice.manager.SendText(ctx, thread.ID, "just us", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, sent.Status)
	assert.Equal(t, "single", alice.channel.Sent()[0].Mode())

	result, err := bob.manager.SyncMessages(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stored)
	assert.Zero(t, result.Dropped)

	received, err := bob.store.GetMessage(ctx, sent.ID)
	require.NoError(t, err)
	assert.Equal(t, thread.ID, received.ThreadID)

	bobThread, err := bob.manager.Thread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ThreadGroup, bobThread.Type)
	assert.ElementsMatch(t, thread.ParticipantKeys, bobThread.ParticipantKeys)

	_, err = bob.manager.SendText(ctx, thread.ID, "agreed", "")
	require.NoError(t, err)
	result, err = alice.manager.SyncMessages(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stored)
}

func TestSendTypingNeedsConnection(t *testing.T) {
	ctx := context.Background()
	hub := relay.NewHub()
	alice := newTestPeer(t, hub, "alice")
	bob := newTestPeer(t, hub, "bob")
	threadID := directThreadID(alice, bob)

	err := alice.manager.SendTyping(ctx, threadID, true)
	require.ErrorIs(t, err, ErrTransportFailure)
	assert.ErrorIs(t, err, relay.ErrNotConnected)

	require.NoError(t, alice.manager.Connect(ctx))
	assert.Equal(t, relay.StateConnected, alice.manager.State())
	require.NoError(t, alice.manager.SendTyping(ctx, threadID, true))
	assert.Equal(t, []relay.TypingEvent{{FromPublicKey: alice.key(), ThreadID: threadID, IsTyping: true}}, hub.TypingEvents())

	require.NoError(t, alice.manager.Disconnect())
	assert.Equal(t, relay.StateDisconnected, alice.manager.State())
}
