// Package socket defines the contract between the connection lifecycle and a
// messaging transport: dialing a session, the events a session emits, and
// the operations it accepts.
package socket

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned when an operation needs a live session.
var ErrNotConnected = errors.New("not connected")

// Handler receives session events. It is called from the transport's own
// goroutines and must not block for long.
type Handler func(Event)

// Dialer opens sessions and owns the credential material they persist.
type Dialer interface {
	// Dial starts a session. Pairing, if needed, is reported through
	// PairingCode events on h; Dial itself returns once the session object
	// exists, not when it is connected.
	Dial(ctx context.Context, h Handler) (Session, error)

	// PurgeCredentials removes stored session credentials so the next Dial
	// has to pair again.
	PurgeCredentials(ctx context.Context) error
}

type Session interface {
	// Send delivers a text message and returns the transport message id.
	Send(ctx context.Context, to, body string) (string, error)

	// Download fetches the binary payload behind a media handle.
	Download(ctx context.Context, media Media) ([]byte, error)

	// Logout unlinks the device at protocol level.
	Logout(ctx context.Context) error

	Close()
}

// Media is an opaque handle a transport attaches to inbound media messages.
type Media interface {
	isMedia()
}

// MediaHandle is embedded by transport media handles.
type MediaHandle struct{}

func (MediaHandle) isMedia() {}

// Event is one of PairingCode, Connected, Disconnected or Message.
type Event interface {
	isEvent()
}

type PairingCode struct {
	Code string
}

type Connected struct{}

type Disconnected struct {
	Reason    string
	LoggedOut bool
}

type Message struct {
	Inbound Inbound
}

func (PairingCode) isEvent()  {}
func (Connected) isEvent()    {}
func (Disconnected) isEvent() {}
func (Message) isEvent()      {}

// Inbound is one raw inbound message, already decoded into a Content variant.
type Inbound struct {
	ExternalID   string
	Counterparty string
	FromMe       bool
	Content      Content
	Media        Media
	Timestamp    time.Time
}
