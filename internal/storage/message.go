package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind tells clients how to render a message payload.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

const (
	// DefaultUsername is shown for messages posted without a display name.
	DefaultUsername = "Anonymous"

	MaxBodyLength     = 4096
	MaxUsernameLength = 64
)

var (
	// ErrNotFound is returned when a room identifier is unknown.
	ErrNotFound = errors.New("room not found")
	// ErrValidation is returned when a message is malformed.
	ErrValidation = errors.New("invalid message")
	// ErrStorage is returned when the durable backend fails.
	ErrStorage = errors.New("storage unavailable")
)

// Message is one immutable entry in a room's log. The JSON shape is the
// record clients receive from both the HTTP API and realtime events.
type Message struct {
	RoomID    string    `json:"-"`
	Seq       int64     `json:"seq"`
	Username  string    `json:"username"`
	Body      string    `json:"message,omitempty"`
	Kind      Kind      `json:"type"`
	FileURL   string    `json:"fileUrl,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IsMedia reports whether the kind carries a file reference.
func (k Kind) IsMedia() bool {
	return k == KindImage || k == KindVideo
}

// Normalize fills the defaults a client may leave out: the anonymous display
// name and the text kind.
func (m Message) Normalize() Message {
	m.Username = strings.TrimSpace(m.Username)
	if m.Username == "" {
		m.Username = DefaultUsername
	}
	m.Kind = Kind(strings.ToLower(strings.TrimSpace(string(m.Kind))))
	if m.Kind == "" {
		m.Kind = KindText
	}
	m.FileURL = strings.TrimSpace(m.FileURL)
	return m
}

// Validate checks that the kind and payload agree. Call it on a normalized
// message.
func (m Message) Validate() error {
	if len(m.Username) > MaxUsernameLength {
		return fmt.Errorf("%w: username longer than %d bytes", ErrValidation, MaxUsernameLength)
	}
	switch m.Kind {
	case KindText:
		if strings.TrimSpace(m.Body) == "" {
			return fmt.Errorf("%w: text message requires a body", ErrValidation)
		}
		if m.FileURL != "" {
			return fmt.Errorf("%w: text message cannot carry a fileUrl", ErrValidation)
		}
		if len(m.Body) > MaxBodyLength {
			return fmt.Errorf("%w: body longer than %d bytes", ErrValidation, MaxBodyLength)
		}
	case KindImage, KindVideo:
		if m.FileURL == "" {
			return fmt.Errorf("%w: %s message requires a fileUrl", ErrValidation, m.Kind)
		}
		if m.Body != "" {
			return fmt.Errorf("%w: %s message cannot carry a body", ErrValidation, m.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrValidation, m.Kind)
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
