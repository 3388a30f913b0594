package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/wabridge/pkg/bus"
	"github.com/sipeed/wabridge/pkg/connection"
	"github.com/sipeed/wabridge/pkg/logger"
)

const (
	feedSendBuffer = 256
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 30 * time.Second
	feedWriteWait  = 10 * time.Second

	// stateFrame is the type of the first frame every client receives.
	stateFrame = "state"
)

// feedClient is one dashboard websocket. A nil filter receives everything.
type feedClient struct {
	feed   *Feed
	conn   *websocket.Conn
	send   chan []byte
	filter map[string]bool
}

func (c *feedClient) wants(eventType string) bool {
	return c.filter == nil || c.filter[eventType]
}

// Feed streams bus events (domain events and pairing progress) to
// dashboard websocket clients.
type Feed struct {
	msgBus   *bus.MessageBus
	state    func() connection.State
	upgrader websocket.Upgrader

	register   chan *feedClient
	unregister chan *feedClient
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*feedClient]bool
}

// NewFeed builds a feed over msgBus. state, when set, supplies the snapshot
// sent on connect. checkOrigin decides websocket upgrades for browser clients.
func NewFeed(msgBus *bus.MessageBus, state func() connection.State, checkOrigin func(*http.Request) bool) *Feed {
	return &Feed{
		msgBus: msgBus,
		state:  state,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		done:       make(chan struct{}),
		clients:    make(map[*feedClient]bool),
	}
}

// Run owns client registration and fan-out until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) {
	defer close(f.done)

	var events chan bus.BusEvent
	if f.msgBus != nil {
		events = f.msgBus.Subscribe()
		defer f.msgBus.Unsubscribe(events)
	}

	for {
		select {
		case <-ctx.Done():
			f.mu.Lock()
			for c := range f.clients {
				close(c.send)
				delete(f.clients, c)
			}
			f.mu.Unlock()
			return

		case c := <-f.register:
			f.mu.Lock()
			f.clients[c] = true
			n := len(f.clients)
			f.mu.Unlock()
			f.sendState(c)
			logger.DebugCF("dashboard", "Feed client connected", map[string]interface{}{
				"clients": n,
			})

		case c := <-f.unregister:
			f.mu.Lock()
			if f.clients[c] {
				delete(f.clients, c)
				close(c.send)
			}
			f.mu.Unlock()
			logger.DebugC("dashboard", "Feed client disconnected")

		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			f.broadcast(event)
		}
	}
}

func (f *Feed) sendState(c *feedClient) {
	if f.state == nil || !c.wants(stateFrame) {
		return
	}
	data, err := json.Marshal(bus.BusEvent{Type: stateFrame, Data: f.state(), Time: time.Now()})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (f *Feed) broadcast(event bus.BusEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.WarnCF("dashboard", "Dropping unencodable feed event", map[string]interface{}{
			"type":  event.Type,
			"error": err.Error(),
		})
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for c := range f.clients {
		if !c.wants(event.Type) {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Slow client; its read pump unregisters it once the socket dies.
		}
	}
}

func (f *Feed) clientCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// parseEventFilter reads ?events=a,b. The state frame is always included.
func parseEventFilter(r *http.Request) map[string]bool {
	raw := strings.TrimSpace(r.URL.Query().Get("events"))
	if raw == "" {
		return nil
	}
	filter := map[string]bool{stateFrame: true}
	for _, name := range strings.Split(raw, ",") {
		if name = strings.TrimSpace(name); name != "" {
			filter[name] = true
		}
	}
	return filter
}

func (f *Feed) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.ErrorCF("dashboard", "WebSocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	c := &feedClient{
		feed:   f,
		conn:   conn,
		send:   make(chan []byte, feedSendBuffer),
		filter: parseEventFilter(r),
	}

	select {
	case f.register <- c:
	case <-f.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump only watches for close and pong frames; clients never send data.
func (c *feedClient) readPump() {
	defer func() {
		select {
		case c.feed.unregister <- c:
		case <-c.feed.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
