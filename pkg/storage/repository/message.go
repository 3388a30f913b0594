package repository

import (
	"context"
	"strings"
	"time"
)

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

type Status string

const (
	StatusUnread  Status = "unread"
	StatusRead    Status = "read"
	StatusReplied Status = "replied"
	StatusIgnored Status = "ignored"
	StatusSent    Status = "sent"
)

// ParseStatus validates a status name coming from the outside.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusUnread, StatusRead, StatusReplied, StatusIgnored, StatusSent:
		return st, nil
	default:
		return "", NewValidationError("status", "unknown status "+s)
	}
}

type MediaKind string

const (
	MediaNone     MediaKind = ""
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
	MediaSticker  MediaKind = "sticker"
	MediaLocation MediaKind = "location"
	MediaContact  MediaKind = "contact"
)

// Message is one persisted inbound or outbound message. Only Status changes
// after creation.
type Message struct {
	ID           string    `json:"id"`
	Direction    Direction `json:"direction"`
	Counterparty string    `json:"counterparty"`
	Body         string    `json:"body"`
	Status       Status    `json:"status"`
	MediaKind    MediaKind `json:"media_kind,omitempty"`
	MediaRef     string    `json:"media_ref,omitempty"`
	ExternalID   string    `json:"external_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// MessageFilter narrows Query. Zero values mean "any"; Status "all" is
// accepted as an alias for any.
type MessageFilter struct {
	Status       string
	Search       string
	Counterparty string
	Direction    Direction
	From         time.Time
	To           time.Time
}

// MessageRepository is the message half of the event store.
type MessageRepository interface {
	// Insert stores a new message. An empty ID is filled in. A non-empty
	// ExternalID that was already stored yields ErrDuplicate.
	Insert(ctx context.Context, msg *Message) error

	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Message, error)

	// ExistsExternalID reports whether a message with the transport id was
	// already stored.
	ExistsExternalID(ctx context.Context, externalID string) (bool, error)

	UpdateStatus(ctx context.Context, id string, status Status) (int64, error)

	UpdateStatusBatch(ctx context.Context, ids []string, status Status) (int64, error)

	// Query returns one page (1-based) of matches, newest first, plus the
	// total number of matches.
	Query(ctx context.Context, filter MessageFilter, page, limit int) ([]Message, int, error)

	Delete(ctx context.Context, id string) (int64, error)
}
