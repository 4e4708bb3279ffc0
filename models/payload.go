package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// PayloadType is the wire tag naming a payload variant.
type PayloadType string

const (
	PayloadTextPlain          PayloadType = "text.plain"
	PayloadTextMarkdown       PayloadType = "text.markdown"
	PayloadReaction           PayloadType = "reaction"
	PayloadDelete             PayloadType = "delete"
	PayloadEmail              PayloadType = "email"
	PayloadAttachmentImage    PayloadType = "attachment.image"
	PayloadAttachmentVideo    PayloadType = "attachment.video"
	PayloadAttachmentAudio    PayloadType = "attachment.audio"
	PayloadAttachmentDocument PayloadType = "attachment.document"
	PayloadLocation           PayloadType = "location"
	PayloadContact            PayloadType = "contact"
	PayloadIdentityContact    PayloadType = "contact.gns"
)

var (
	// ErrUnknownPayloadType indicates a tag outside the closed payload set.
	ErrUnknownPayloadType = errors.New("models: unknown payload type")
	// ErrInvalidPayload indicates a payload missing required fields.
	ErrInvalidPayload = errors.New("models: invalid payload")
)

// Payload is the closed set of decrypted message contents. Only types in this
// package implement it.
type Payload interface {
	Type() PayloadType
	validate() error
}

// TextPayload is a plain or markdown text body.
type TextPayload struct {
	Text     string `json:"text"`
	Markdown bool   `json:"-"`
}

// ReactionPayload adds or removes an emoji reaction on an existing message.
type ReactionPayload struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	Remove    bool   `json:"remove"`
}

// DeletePayload retracts an earlier message.
type DeletePayload struct {
	MessageID         string `json:"message_id"`
	DeleteForEveryone bool   `json:"delete_for_everyone"`
}

// EmailPayload carries a bridged email.
type EmailPayload struct {
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	From    string   `json:"from,omitempty"`
	To      []string `json:"to,omitempty"`
	CC      []string `json:"cc,omitempty"`
	IsHTML  bool     `json:"is_html,omitempty"`
}

// AttachmentKind selects the attachment.* tag.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentDocument AttachmentKind = "document"
)

// AttachmentPayload references externally stored media. The blob itself is
// encrypted under Key and fetched out of band.
type AttachmentPayload struct {
	Kind         AttachmentKind `json:"-"`
	URL          string         `json:"url"`
	MimeType     string         `json:"mime_type,omitempty"`
	Filename     string         `json:"filename,omitempty"`
	Size         int64          `json:"size,omitempty"`
	SHA256       string         `json:"sha256,omitempty"`
	Key          string         `json:"key,omitempty"`
	Width        int            `json:"width,omitempty"`
	Height       int            `json:"height,omitempty"`
	DurationMs   int64          `json:"duration_ms,omitempty"`
	ThumbnailURL string         `json:"thumbnail_url,omitempty"`
	Caption      string         `json:"caption,omitempty"`
}

// LocationPayload shares a point on the map.
type LocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// ContactPayload shares an address-book style contact card.
type ContactPayload struct {
	Name         string   `json:"name"`
	Phones       []string `json:"phones,omitempty"`
	Emails       []string `json:"emails,omitempty"`
	Organization string   `json:"organization,omitempty"`
}

// IdentityContactPayload shares another identity on the relay network.
type IdentityContactPayload struct {
	PublicKey   string `json:"public_key"`
	Handle      string `json:"handle,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

func (p TextPayload) Type() PayloadType {
	if p.Markdown {
		return PayloadTextMarkdown
	}
	return PayloadTextPlain
}

func (ReactionPayload) Type() PayloadType        { return PayloadReaction }
func (DeletePayload) Type() PayloadType          { return PayloadDelete }
func (EmailPayload) Type() PayloadType           { return PayloadEmail }
func (LocationPayload) Type() PayloadType        { return PayloadLocation }
func (ContactPayload) Type() PayloadType         { return PayloadContact }
func (IdentityContactPayload) Type() PayloadType { return PayloadIdentityContact }

func (p AttachmentPayload) Type() PayloadType {
	switch p.Kind {
	case AttachmentImage:
		return PayloadAttachmentImage
	case AttachmentVideo:
		return PayloadAttachmentVideo
	case AttachmentAudio:
		return PayloadAttachmentAudio
	default:
		return PayloadAttachmentDocument
	}
}

func (p TextPayload) validate() error {
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidPayload)
	}
	return nil
}

func (p ReactionPayload) validate() error {
	if p.MessageID == "" || p.Emoji == "" {
		return fmt.Errorf("%w: reaction requires message_id and emoji", ErrInvalidPayload)
	}
	return nil
}

func (p DeletePayload) validate() error {
	if p.MessageID == "" {
		return fmt.Errorf("%w: delete requires message_id", ErrInvalidPayload)
	}
	return nil
}

func (p EmailPayload) validate() error {
	if p.Subject == "" && p.Body == "" {
		return fmt.Errorf("%w: email requires subject or body", ErrInvalidPayload)
	}
	return nil
}

func (p AttachmentPayload) validate() error {
	if p.URL == "" {
		return fmt.Errorf("%w: attachment requires url", ErrInvalidPayload)
	}
	return nil
}

func (p LocationPayload) validate() error {
	if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidPayload)
	}
	return nil
}

func (p ContactPayload) validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: contact requires name", ErrInvalidPayload)
	}
	return nil
}

func (p IdentityContactPayload) validate() error {
	if p.PublicKey == "" {
		return fmt.Errorf("%w: identity contact requires public_key", ErrInvalidPayload)
	}
	return nil
}

// EncodePayload returns the canonical byte form of p and its tag.
func EncodePayload(p Payload) (PayloadType, []byte, error) {
	if p == nil {
		return "", nil, fmt.Errorf("%w: payload is nil", ErrInvalidPayload)
	}
	if err := p.validate(); err != nil {
		return "", nil, err
	}

	var body any
	switch v := p.(type) {
	case TextPayload, ReactionPayload, DeletePayload, EmailPayload, AttachmentPayload,
		LocationPayload, ContactPayload, IdentityContactPayload:
		body = v
	default:
		return "", nil, fmt.Errorf("%w: %T", ErrUnknownPayloadType, p)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", nil, fmt.Errorf("marshal %s payload: %w", p.Type(), err)
	}
	return p.Type(), raw, nil
}

// DecodePayload parses canonical payload bytes for the given tag.
func DecodePayload(payloadType PayloadType, raw []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch payloadType {
	case PayloadTextPlain, PayloadTextMarkdown:
		var v TextPayload
		err = json.Unmarshal(raw, &v)
		v.Markdown = payloadType == PayloadTextMarkdown
		p = v
	case PayloadReaction:
		var v ReactionPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case PayloadDelete:
		var v DeletePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case PayloadEmail:
		var v EmailPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case PayloadAttachmentImage, PayloadAttachmentVideo, PayloadAttachmentAudio, PayloadAttachmentDocument:
		var v AttachmentPayload
		err = json.Unmarshal(raw, &v)
		v.Kind = AttachmentKind(strings.TrimPrefix(string(payloadType), "attachment."))
		p = v
	case PayloadLocation:
		var v LocationPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case PayloadContact:
		var v ContactPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case PayloadIdentityContact:
		var v IdentityContactPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayloadType, payloadType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidPayload, payloadType, err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// IsContent reports whether a payload type materializes as its own message,
// as opposed to mutating an existing one.
func (t PayloadType) IsContent() bool {
	return t != PayloadReaction && t != PayloadDelete
}
