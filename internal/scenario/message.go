package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type MessageKind string

const (
	KindText  MessageKind = "text"
	KindMedia MessageKind = "media"
	KindCard  MessageKind = "card"
)

// Message is a closed set: Text, Media or Card. Consumers switch on the
// concrete type and treat anything else as a bug.
type Message interface {
	Kind() MessageKind
	isMessage()
}

type Text struct {
	Body           string `json:"body"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
}

type MediaType string

const (
	MediaPhoto    MediaType = "photo"
	MediaVideo    MediaType = "video"
	MediaDocument MediaType = "document"
	MediaAudio    MediaType = "audio"
)

// Media references a file by URL or by a provider file id.
type Media struct {
	Type    MediaType `json:"type"`
	URL     string    `json:"url,omitempty"`
	FileID  string    `json:"file_id,omitempty"`
	Caption string    `json:"caption,omitempty"`
}

type Card struct {
	Title    string       `json:"title"`
	Body     string       `json:"body,omitempty"`
	ImageURL string       `json:"image_url,omitempty"`
	Buttons  []CardButton `json:"buttons,omitempty"`
}

type CardButton struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

func (Text) Kind() MessageKind  { return KindText }
func (Media) Kind() MessageKind { return KindMedia }
func (Card) Kind() MessageKind  { return KindCard }

func (Text) isMessage()  {}
func (Media) isMessage() {}
func (Card) isMessage()  {}

var ErrInvalidMessage = errors.New("invalid message")

// Validate checks the fields each kind needs to be sendable.
func Validate(m Message) error {
	switch v := m.(type) {
	case Text:
		if strings.TrimSpace(v.Body) == "" {
			return fmt.Errorf("%w: text body is empty", ErrInvalidMessage)
		}
	case Media:
		switch v.Type {
		case MediaPhoto, MediaVideo, MediaDocument, MediaAudio:
		default:
			return fmt.Errorf("%w: media type %q", ErrInvalidMessage, v.Type)
		}
		if v.URL == "" && v.FileID == "" {
			return fmt.Errorf("%w: media needs url or file_id", ErrInvalidMessage)
		}
	case Card:
		if strings.TrimSpace(v.Title) == "" && strings.TrimSpace(v.Body) == "" {
			return fmt.Errorf("%w: card has neither title nor body", ErrInvalidMessage)
		}
		for _, b := range v.Buttons {
			if b.Label == "" || b.URL == "" {
				return fmt.Errorf("%w: card button needs label and url", ErrInvalidMessage)
			}
		}
	case nil:
		return fmt.Errorf("%w: nil", ErrInvalidMessage)
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrInvalidMessage, m)
	}
	return nil
}

// EncodeMessage returns the stored (kind, payload) pair.
func EncodeMessage(m Message) (MessageKind, []byte, error) {
	if err := Validate(m); err != nil {
		return "", nil, err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", nil, err
	}
	return m.Kind(), b, nil
}

// DecodeMessage is the inverse of EncodeMessage.
func DecodeMessage(kind MessageKind, payload []byte) (Message, error) {
	var (
		m   Message
		err error
	)
	switch kind {
	case KindText:
		var v Text
		err = json.Unmarshal(payload, &v)
		m = v
	case KindMedia:
		var v Media
		err = json.Unmarshal(payload, &v)
		m = v
	case KindCard:
		var v Card
		err = json.Unmarshal(payload, &v)
		m = v
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s message: %w", kind, err)
	}
	return m, Validate(m)
}
