// Package connection owns the messaging session: dialing, pairing, disconnect
// classification, reconnect scheduling and logout.
//
// All state lives on one goroutine (Run). Other goroutines talk to it through
// a mailbox of closures and read a published snapshot.
package connection

import (
	"context"
	"errors"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/sipeed/wabridge/pkg/bus"
	"github.com/sipeed/wabridge/pkg/logger"
	"github.com/sipeed/wabridge/pkg/socket"
	"github.com/sipeed/wabridge/pkg/storage/repository"
)

type Connectivity string

const (
	Disconnected     Connectivity = "disconnected"
	PairingRequested Connectivity = "pairing_requested"
	Connected        Connectivity = "connected"
)

// ErrStopped is returned by calls made after Run has returned.
var ErrStopped = errors.New("connection manager stopped")

// State is a read-only snapshot of the session state.
type State struct {
	Connectivity    Connectivity `json:"connectivity"`
	PairingArtifact string       `json:"-"`
	PairingCode     string       `json:"-"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// EventPublisher receives domain events and pairing progress.
type EventPublisher interface {
	Publish(event string, payload interface{})
	PublishPairing(event bus.PairingEvent)
}

type Options struct {
	// ReconnectDelay is the wait before redialing after an unexpected close.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the backoff applied to consecutive dial failures.
	MaxReconnectDelay time.Duration
	// PurgeGrace separates protocol logout from credential removal.
	PurgeGrace time.Duration
	// QRWriter, when set, receives a terminal rendering of each pairing code.
	QRWriter io.Writer
}

func DefaultOptions() Options {
	return Options{
		ReconnectDelay:    5 * time.Second,
		MaxReconnectDelay: 5 * time.Minute,
		PurgeGrace:        time.Second,
		QRWriter:          os.Stdout,
	}
}

type snapshot struct {
	State
	session socket.Session
}

type Manager struct {
	dialer socket.Dialer
	events EventPublisher
	opts   Options

	mailbox chan func()
	done    chan struct{}
	snap    atomic.Pointer[snapshot]
	gen     atomic.Uint64
	onMsg   atomic.Pointer[func(socket.Inbound)]

	// Owned by the Run goroutine.
	runCtx         context.Context
	session        socket.Session
	connectivity   Connectivity
	artifact       string
	code           string
	dialing        bool
	dialCancel     context.CancelFunc
	dialFailures   int
	reconnectTimer *time.Timer
	reconnectSeq   uint64
}

func NewManager(dialer socket.Dialer, events EventPublisher, opts Options) *Manager {
	def := DefaultOptions()
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = def.ReconnectDelay
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = opts.ReconnectDelay
	}
	if opts.PurgeGrace < 0 {
		opts.PurgeGrace = 0
	}

	m := &Manager{
		dialer:       dialer,
		events:       events,
		opts:         opts,
		mailbox:      make(chan func(), 64),
		done:         make(chan struct{}),
		connectivity: Disconnected,
	}
	m.snap.Store(&snapshot{State: State{Connectivity: Disconnected, UpdatedAt: time.Now()}})
	return m
}

// OnMessage installs the inbound message handler. Messages are delivered on
// the transport's goroutine, never on the manager's.
func (m *Manager) OnMessage(h func(socket.Inbound)) {
	m.onMsg.Store(&h)
}

// Run processes the mailbox until ctx is cancelled, then drops the session.
func (m *Manager) Run(ctx context.Context) error {
	m.runCtx = ctx
	defer close(m.done)

	for {
		select {
		case fn := <-m.mailbox:
			fn()
		case <-ctx.Done():
			m.cancelReconnect()
			m.bumpGeneration()
			if m.session != nil {
				m.session.Close()
				m.session = nil
			}
			m.connectivity = Disconnected
			m.artifact, m.code = "", ""
			m.publishSnapshot()
			logger.InfoC("connection", "Connection manager stopped")
			return nil
		}
	}
}

// post queues fn for the Run goroutine. It reports false once Run has exited.
func (m *Manager) post(fn func()) bool {
	select {
	case m.mailbox <- fn:
		return true
	case <-m.done:
		return false
	}
}

// call runs fn on the Run goroutine and waits for it.
func (m *Manager) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	ok := m.post(func() {
		fn()
		close(finished)
	})
	if !ok {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start requests a session. It is a no-op while dialing or holding one.
func (m *Manager) Start() {
	m.post(func() {
		m.cancelReconnect()
		m.startDial()
	})
}

// State returns the current snapshot.
func (m *Manager) State() State {
	return m.snap.Load().State
}

// Connected reports whether a live session is available for sending.
func (m *Manager) Connected() bool {
	s := m.snap.Load()
	return s.Connectivity == Connected && s.session != nil
}

// PairingArtifact returns the current scannable SVG, if pairing is pending.
func (m *Manager) PairingArtifact() (string, bool) {
	s := m.snap.Load()
	return s.PairingArtifact, s.PairingArtifact != ""
}

// Send delivers a text message through the live session.
func (m *Manager) Send(ctx context.Context, to, body string) (string, error) {
	s := m.snap.Load()
	if s.Connectivity != Connected || s.session == nil {
		return "", socket.ErrNotConnected
	}
	return s.session.Send(ctx, to, body)
}

// Download fetches inbound media through the current session.
func (m *Manager) Download(ctx context.Context, media socket.Media) ([]byte, error) {
	s := m.snap.Load()
	if s.session == nil {
		return nil, socket.ErrNotConnected
	}
	return s.session.Download(ctx, media)
}

// Logout unlinks the device, resets state and, after the grace period,
// removes stored credentials. No reconnect follows; call Start to pair again.
func (m *Manager) Logout(ctx context.Context) error {
	var sess socket.Session
	var wasConnected bool
	err := m.call(ctx, func() {
		sess = m.session
		wasConnected = m.connectivity == Connected
		m.session = nil
		m.bumpGeneration()
		m.cancelReconnect()
		m.dialFailures = 0
		m.setState(Disconnected, "", "")
	})
	if err != nil {
		return err
	}

	if sess != nil {
		if err := sess.Logout(ctx); err != nil {
			logger.WarnCF("connection", "Protocol logout failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		sess.Close()
	}
	if wasConnected {
		m.events.Publish(repository.EventConnectionDisconnected, bus.DisconnectedPayload{
			Reason:        "logged out",
			WillReconnect: false,
		})
	}
	m.events.PublishPairing(bus.PairingEvent{Event: "logged_out"})

	// Let the transport flush its final close frame before deleting the
	// credential files it may still be writing.
	if m.opts.PurgeGrace > 0 {
		t := time.NewTimer(m.opts.PurgeGrace)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := m.dialer.PurgeCredentials(ctx); err != nil {
		return err
	}
	logger.InfoC("connection", "Logged out and credentials purged")
	return nil
}

// ---------------------------------------------------------------------------
// Run-goroutine internals
// ---------------------------------------------------------------------------

func (m *Manager) startDial() {
	if m.dialing || m.session != nil {
		return
	}
	g := m.bumpGeneration()
	m.dialing = true

	dialCtx, cancel := context.WithCancel(m.runCtx)
	m.dialCancel = cancel
	handler := m.handlerFor(g)

	logger.InfoCF("connection", "Dialing session", map[string]interface{}{
		"generation": g,
	})
	go func() {
		sess, err := m.dialer.Dial(dialCtx, handler)
		if !m.post(func() { m.dialDone(g, sess, err) }) && sess != nil {
			sess.Close()
		}
	}()
}

// bumpGeneration invalidates the current session, its pending dial and any
// events still in flight from it.
func (m *Manager) bumpGeneration() uint64 {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.dialing = false
	return m.gen.Add(1)
}

func (m *Manager) handlerFor(g uint64) socket.Handler {
	return func(ev socket.Event) {
		if msg, ok := ev.(socket.Message); ok {
			if m.gen.Load() != g {
				return
			}
			if h := m.onMsg.Load(); h != nil {
				(*h)(msg.Inbound)
			}
			return
		}
		m.post(func() { m.handleEvent(g, ev) })
	}
}

func (m *Manager) dialDone(g uint64, sess socket.Session, err error) {
	if g != m.gen.Load() {
		if sess != nil {
			go sess.Close()
		}
		return
	}
	m.dialing = false
	m.dialCancel = nil

	if err != nil {
		m.dialFailures++
		delay := m.backoff()
		logger.ErrorCF("connection", "Dial failed", map[string]interface{}{
			"error":    err.Error(),
			"attempt":  m.dialFailures,
			"retry_in": delay.String(),
		})
		m.setState(Disconnected, "", "")
		m.scheduleReconnect(delay)
		return
	}

	m.session = sess
	m.publishSnapshot()
}

func (m *Manager) handleEvent(g uint64, ev socket.Event) {
	if g != m.gen.Load() {
		return
	}

	switch v := ev.(type) {
	case socket.PairingCode:
		m.pairingCodeReady(v.Code)
	case socket.Connected:
		m.opened()
	case socket.Disconnected:
		m.closed(v)
	}
}

func (m *Manager) pairingCodeReady(code string) {
	svg, err := renderPairingSVG(code, qrSVGSize)
	if err != nil {
		logger.ErrorCF("connection", "Failed to render pairing code", map[string]interface{}{
			"error": err.Error(),
		})
	}
	m.setState(PairingRequested, svg, code)

	if m.opts.QRWriter != nil {
		printPairingQR(m.opts.QRWriter, code)
	}
	m.events.PublishPairing(bus.PairingEvent{Event: "code", Code: code, SVG: svg})
	logger.InfoC("connection", "Pairing code ready")
}

func (m *Manager) opened() {
	m.dialFailures = 0
	m.setState(Connected, "", "")
	m.events.PublishPairing(bus.PairingEvent{Event: "connected"})
	m.events.Publish(repository.EventConnectionConnected, bus.ConnectedPayload{Timestamp: time.Now()})
	logger.InfoC("connection", "Session connected")
}

func (m *Manager) closed(d socket.Disconnected) {
	sess := m.session
	m.session = nil
	m.bumpGeneration()
	if sess != nil {
		go sess.Close()
	}
	m.setState(Disconnected, "", "")

	willReconnect := !d.LoggedOut
	if willReconnect {
		m.scheduleReconnect(m.opts.ReconnectDelay)
	} else {
		m.cancelReconnect()
	}

	logger.WarnCF("connection", "Session closed", map[string]interface{}{
		"reason":         d.Reason,
		"will_reconnect": willReconnect,
	})
	m.events.Publish(repository.EventConnectionDisconnected, bus.DisconnectedPayload{
		Reason:        d.Reason,
		WillReconnect: willReconnect,
	})
}

// scheduleReconnect arms a single reconnect timer; an armed timer is kept.
func (m *Manager) scheduleReconnect(delay time.Duration) {
	if m.reconnectTimer != nil {
		return
	}
	m.reconnectSeq++
	seq := m.reconnectSeq
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.post(func() {
			if seq != m.reconnectSeq {
				return
			}
			m.reconnectTimer = nil
			m.startDial()
		})
	})
}

func (m *Manager) cancelReconnect() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.reconnectSeq++
}

// backoff doubles the reconnect delay per consecutive dial failure.
func (m *Manager) backoff() time.Duration {
	delay := m.opts.ReconnectDelay
	for i := 1; i < m.dialFailures; i++ {
		delay *= 2
		if delay >= m.opts.MaxReconnectDelay {
			return m.opts.MaxReconnectDelay
		}
	}
	return delay
}

func (m *Manager) setState(c Connectivity, artifact, code string) {
	m.connectivity = c
	m.artifact = artifact
	m.code = code
	m.publishSnapshot()
}

func (m *Manager) publishSnapshot() {
	m.snap.Store(&snapshot{
		State: State{
			Connectivity:    m.connectivity,
			PairingArtifact: m.artifact,
			PairingCode:     m.code,
			UpdatedAt:       time.Now(),
		},
		session: m.session,
	})
}
