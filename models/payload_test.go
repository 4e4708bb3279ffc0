package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadVariantsDecodeToSameValue(t *testing.T) {
	payloads := []Payload{
		TextPayload{Text: "hi"},
		TextPayload{Text: "**bold**", Markdown: true},
		ReactionPayload{MessageID: "m1", Emoji: "👍"},
		DeletePayload{MessageID: "m1", DeleteForEveryone: true},
		EmailPayload{Subject: "Invoice", Body: "attached", To: []string{"a@example.com"}},
		AttachmentPayload{Kind: AttachmentImage, URL: "https://cdn/x.png", Width: 10, Height: 20},
		AttachmentPayload{Kind: AttachmentDocument, URL: "https://cdn/x.pdf", Filename: "x.pdf"},
		LocationPayload{Latitude: 52.5, Longitude: 13.4, Name: "Berlin"},
		ContactPayload{Name: "Carol", Phones: []string{"+1555"}},
		IdentityContactPayload{PublicKey: "pk", Handle: "carol"},
	}

	for _, p := range payloads {
		tag, raw, err := EncodePayload(p)
		require.NoError(t, err, "%T", p)
		assert.Equal(t, p.Type(), tag)

		decoded, err := DecodePayload(tag, raw)
		require.NoError(t, err, "%s", tag)
		assert.Equal(t, p, decoded)
	}
}

func TestAttachmentKindSelectsTag(t *testing.T) {
	assert.Equal(t, PayloadAttachmentVideo, AttachmentPayload{Kind: AttachmentVideo}.Type())
	assert.Equal(t, PayloadAttachmentAudio, AttachmentPayload{Kind: AttachmentAudio}.Type())
}

func TestDecodeRejectsUnknownAndInvalid(t *testing.T) {
	_, err := DecodePayload("receipt.read", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownPayloadType)

	_, err = DecodePayload(PayloadTextPlain, []byte(`{"text":""}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = DecodePayload(PayloadReaction, []byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, _, err = EncodePayload(nil)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, _, err = EncodePayload(&TextPayload{Text: "pointer"})
	assert.ErrorIs(t, err, ErrUnknownPayloadType)
}

func TestIsContent(t *testing.T) {
	assert.True(t, PayloadTextPlain.IsContent())
	assert.False(t, PayloadReaction.IsContent())
	assert.False(t, PayloadDelete.IsContent())
}
