package repository

import (
	"context"
	"net/url"
	"strings"
	"time"
)

// Subscribable event names.
const (
	EventConnectionConnected    = "connection.connected"
	EventConnectionDisconnected = "connection.disconnected"
	EventMessageReceived        = "message.received"
	EventMessageSent            = "message.sent"
)

var knownEvents = map[string]bool{
	EventConnectionConnected:    true,
	EventConnectionDisconnected: true,
	EventMessageReceived:        true,
	EventMessageSent:            true,
}

func KnownEvent(name string) bool { return knownEvents[name] }

type Webhook struct {
	ID        int64     `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"secret,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Subscribes reports whether the subscription wants the event. Matching is exact.
func (w *Webhook) Subscribes(event string) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Validate checks the subscription before it is stored.
func (w *Webhook) Validate() error {
	u, err := url.Parse(strings.TrimSpace(w.URL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return NewValidationError("url", "must be an absolute http(s) URL")
	}
	if len(w.Events) == 0 {
		return NewValidationError("events", "at least one event is required")
	}
	for _, e := range w.Events {
		if !KnownEvent(e) {
			return NewValidationError("events", "unknown event "+e)
		}
	}
	return nil
}

type WebhookRepository interface {
	// ListActive returns active subscriptions whose event set contains event.
	ListActive(ctx context.Context, event string) ([]Webhook, error)
	List(ctx context.Context) ([]Webhook, error)
	Get(ctx context.Context, id int64) (*Webhook, error)
	// Create assigns ID and CreatedAt.
	Create(ctx context.Context, w *Webhook) error
	Update(ctx context.Context, w *Webhook) error
	Delete(ctx context.Context, id int64) error
}
