package connection

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/wabridge/pkg/bus"
	"github.com/sipeed/wabridge/pkg/socket"
	"github.com/sipeed/wabridge/pkg/storage/repository"
)

const (
	testDelay = 30 * time.Millisecond
	waitFor   = 2 * time.Second
	tick      = 5 * time.Millisecond
)

type fakeSession struct {
	mu        sync.Mutex
	sent      []string
	sendErr   error
	loggedOut bool
	closed    bool
}

func (s *fakeSession) Send(_ context.Context, to, body string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return "", s.sendErr
	}
	s.sent = append(s.sent, to+":"+body)
	return "WAID-1", nil
}

func (s *fakeSession) Download(context.Context, socket.Media) ([]byte, error) {
	return []byte("blob"), nil
}

func (s *fakeSession) Logout(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggedOut = true
	return nil
}

func (s *fakeSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSession) isLoggedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedOut
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	handlers []socket.Handler
	sessions []*fakeSession
	failures int // number of upcoming dials that fail
	purged   int
}

func (d *fakeDialer) Dial(_ context.Context, h socket.Handler) (socket.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
	if d.failures > 0 {
		d.failures--
		d.sessions = append(d.sessions, nil)
		return nil, errors.New("dial refused")
	}
	s := &fakeSession{}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) PurgeCredentials(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purged++
	return nil
}

func (d *fakeDialer) purgeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.purged
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers)
}

func (d *fakeDialer) emit(i int, ev socket.Event) {
	d.mu.Lock()
	h := d.handlers[i]
	d.mu.Unlock()
	h(ev)
}

func (d *fakeDialer) session(i int) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[i]
}

type recordedEvent struct {
	name    string
	payload interface{}
}

type recorder struct {
	mu      sync.Mutex
	events  []recordedEvent
	pairing []bus.PairingEvent
}

func (r *recorder) Publish(event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{event, payload})
}

func (r *recorder) PublishPairing(ev bus.PairingEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairing = append(r.pairing, ev)
}

func (r *recorder) pairings() []bus.PairingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.PairingEvent(nil), r.pairing...)
}

func (r *recorder) named(name string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

func startManager(t *testing.T) (*Manager, *fakeDialer, *recorder) {
	t.Helper()
	d := &fakeDialer{}
	rec := &recorder{}
	m := NewManager(d, rec, Options{
		ReconnectDelay:    testDelay,
		MaxReconnectDelay: 4 * testDelay,
		PurgeGrace:        testDelay,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m, d, rec
}

func connect(t *testing.T, m *Manager, d *fakeDialer, idx int) {
	t.Helper()
	require.Eventually(t, func() bool { return d.dials() > idx }, waitFor, tick)
	d.emit(idx, socket.Connected{})
	require.Eventually(t, m.Connected, waitFor, tick)
}

func TestStartIsIdempotent(t *testing.T) {
	m, d, _ := startManager(t)

	m.Start()
	m.Start()
	m.Start()

	require.Eventually(t, func() bool { return d.dials() == 1 }, waitFor, tick)
	time.Sleep(3 * testDelay)
	assert.Equal(t, 1, d.dials())
}

func TestPairingCodeProducesArtifact(t *testing.T) {
	m, d, rec := startManager(t)
	m.Start()
	require.Eventually(t, func() bool { return d.dials() == 1 }, waitFor, tick)

	d.emit(0, socket.PairingCode{Code: "2@pairing-data"})

	require.Eventually(t, func() bool { return m.State().Connectivity == PairingRequested }, waitFor, tick)
	svg, ok := m.PairingArtifact()
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(svg, "<svg"))
	assert.Equal(t, "2@pairing-data", m.State().PairingCode)

	require.Eventually(t, func() bool { return len(rec.pairings()) == 1 }, waitFor, tick)
	assert.Equal(t, "code", rec.pairings()[0].Event)

	d.emit(0, socket.Connected{})
	require.Eventually(t, m.Connected, waitFor, tick)
	_, ok = m.PairingArtifact()
	assert.False(t, ok, "artifact is cleared once connected")

	connected := rec.named(repository.EventConnectionConnected)
	require.Len(t, connected, 1)
	_, isPayload := connected[0].payload.(bus.ConnectedPayload)
	assert.True(t, isPayload)
}

func TestLoggedOutNeverReconnects(t *testing.T) {
	m, d, rec := startManager(t)
	m.Start()
	connect(t, m, d, 0)

	d.emit(0, socket.Disconnected{Reason: "logged out: 401", LoggedOut: true})

	require.Eventually(t, func() bool { return m.State().Connectivity == Disconnected }, waitFor, tick)
	time.Sleep(5 * testDelay)
	assert.Equal(t, 1, d.dials())
	assert.False(t, m.Connected())
	assert.True(t, d.session(0).isClosed())

	events := rec.named(repository.EventConnectionDisconnected)
	require.Len(t, events, 1)
	assert.Equal(t, bus.DisconnectedPayload{Reason: "logged out: 401", WillReconnect: false}, events[0].payload)

	// Start pairs again after a logout.
	m.Start()
	require.Eventually(t, func() bool { return d.dials() == 2 }, waitFor, tick)
}

func TestOtherCloseSchedulesExactlyOneReconnect(t *testing.T) {
	m, d, rec := startManager(t)
	m.Start()
	connect(t, m, d, 0)

	d.emit(0, socket.Disconnected{Reason: "connection lost"})
	// A duplicate close from the same, now superseded, session is ignored.
	d.emit(0, socket.Disconnected{Reason: "connection lost"})

	require.Eventually(t, func() bool { return d.dials() == 2 }, waitFor, tick)
	time.Sleep(5 * testDelay)
	assert.Equal(t, 2, d.dials())

	events := rec.named(repository.EventConnectionDisconnected)
	require.Len(t, events, 1)
	assert.Equal(t, bus.DisconnectedPayload{Reason: "connection lost", WillReconnect: true}, events[0].payload)

	// The new session is the live one.
	connect(t, m, d, 1)
	_, err := m.Send(context.Background(), "123@s.whatsapp.net", "hi")
	require.NoError(t, err)
	assert.Equal(t, []string{"123@s.whatsapp.net:hi"}, d.session(1).sent)
}

func TestReconnectWaitsForDelay(t *testing.T) {
	m, d, _ := startManager(t)
	m.Start()
	connect(t, m, d, 0)

	closedAt := time.Now()
	d.emit(0, socket.Disconnected{Reason: "stream replaced"})
	require.Eventually(t, func() bool { return d.dials() == 2 }, waitFor, time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(closedAt), testDelay)
}

func TestDialFailureRetries(t *testing.T) {
	m, d, _ := startManager(t)
	d.failures = 2

	m.Start()
	require.Eventually(t, func() bool { return d.dials() == 3 }, waitFor, tick)
	assert.Equal(t, Disconnected, m.State().Connectivity)

	connect(t, m, d, 2)
}

func TestBackoffIsCapped(t *testing.T) {
	m := NewManager(&fakeDialer{}, &recorder{}, Options{ReconnectDelay: time.Second, MaxReconnectDelay: 5 * time.Second})

	expect := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, want := range expect {
		m.dialFailures = i + 1
		assert.Equal(t, want, m.backoff(), "failure %d", i+1)
	}
}

func TestSendRequiresConnection(t *testing.T) {
	m, d, _ := startManager(t)

	_, err := m.Send(context.Background(), "x", "y")
	assert.ErrorIs(t, err, socket.ErrNotConnected)

	m.Start()
	require.Eventually(t, func() bool { return d.dials() == 1 }, waitFor, tick)
	d.emit(0, socket.PairingCode{Code: "code"})
	require.Eventually(t, func() bool { return m.State().Connectivity == PairingRequested }, waitFor, tick)

	_, err = m.Send(context.Background(), "x", "y")
	assert.ErrorIs(t, err, socket.ErrNotConnected)
}

func TestLogoutPurgesAfterGrace(t *testing.T) {
	m, d, rec := startManager(t)
	m.Start()
	connect(t, m, d, 0)

	started := time.Now()
	require.NoError(t, m.Logout(context.Background()))
	assert.GreaterOrEqual(t, time.Since(started), testDelay)

	sess := d.session(0)
	assert.True(t, sess.isLoggedOut())
	assert.True(t, sess.isClosed())
	assert.Equal(t, 1, d.purgeCount())
	assert.Equal(t, Disconnected, m.State().Connectivity)
	assert.False(t, m.Connected())

	// Late events from the logged-out session change nothing.
	d.emit(0, socket.Disconnected{Reason: "logged out", LoggedOut: true})
	d.emit(0, socket.Connected{})
	time.Sleep(5 * testDelay)
	assert.Equal(t, 1, d.dials())
	assert.Equal(t, Disconnected, m.State().Connectivity)

	events := rec.named(repository.EventConnectionDisconnected)
	require.Len(t, events, 1)
	assert.Equal(t, bus.DisconnectedPayload{Reason: "logged out", WillReconnect: false}, events[0].payload)
}

func TestLogoutCancelsPendingReconnect(t *testing.T) {
	m, d, _ := startManager(t)
	m.Start()
	connect(t, m, d, 0)

	d.emit(0, socket.Disconnected{Reason: "connection lost"})
	require.Eventually(t, func() bool { return m.State().Connectivity == Disconnected }, waitFor, tick)

	require.NoError(t, m.Logout(context.Background()))
	time.Sleep(5 * testDelay)
	assert.Equal(t, 1, d.dials())
}

func TestMessagesForwardedFromCurrentSessionOnly(t *testing.T) {
	m, d, _ := startManager(t)

	var mu sync.Mutex
	var got []string
	m.OnMessage(func(in socket.Inbound) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, in.ExternalID)
	})

	m.Start()
	connect(t, m, d, 0)
	d.emit(0, socket.Message{Inbound: socket.Inbound{ExternalID: "A"}})

	d.emit(0, socket.Disconnected{Reason: "connection lost"})
	require.Eventually(t, func() bool { return d.dials() == 2 }, waitFor, tick)
	d.emit(0, socket.Message{Inbound: socket.Inbound{ExternalID: "stale"}})
	d.emit(1, socket.Message{Inbound: socket.Inbound{ExternalID: "B"}})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B"}, got)
}

func TestCallsAfterStopFail(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d, &recorder{}, Options{ReconnectDelay: testDelay})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.Run(ctx))

	assert.ErrorIs(t, m.Logout(context.Background()), ErrStopped)
}

func TestRenderPairingSVG(t *testing.T) {
	svg, err := renderPairingSVG("2@abc,def,ghi", 256)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(svg, `<svg xmlns="http://www.w3.org/2000/svg"`))
	assert.Contains(t, svg, `width="256"`)
	assert.True(t, strings.HasSuffix(svg, "</svg>"))
	assert.Contains(t, svg, `fill="#000"`)
}
