package bus

import (
	"sync"
	"time"
)

// BusEvent is the observer view of everything passing through the bus, used
// for dashboard streaming.
type BusEvent struct {
	Type    string        `json:"type"` // domain event name, or "pairing"
	Data    interface{}   `json:"data,omitempty"`
	Pairing *PairingEvent `json:"pairing,omitempty"`
	Time    time.Time     `json:"time"`
}

// Sink consumes domain events. Publish must not block on network or storage I/O.
type Sink interface {
	Publish(event string, payload interface{})
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(event string, payload interface{})

func (f SinkFunc) Publish(event string, payload interface{}) { f(event, payload) }

// MessageBus decouples domain event producers (connection lifecycle,
// ingestion) from consumers (webhook dispatch, dashboards).
type MessageBus struct {
	sinks     []Sink
	mu        sync.RWMutex
	observers []chan BusEvent
	obsMu     sync.RWMutex
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		observers: make([]chan BusEvent, 0),
	}
}

// AddSink registers a consumer for every domain event.
func (mb *MessageBus) AddSink(s Sink) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.sinks = append(mb.sinks, s)
}

// Subscribe returns a channel that receives copies of all bus events.
func (mb *MessageBus) Subscribe() chan BusEvent {
	ch := make(chan BusEvent, 50)
	mb.obsMu.Lock()
	mb.observers = append(mb.observers, ch)
	mb.obsMu.Unlock()
	return ch
}

// Unsubscribe removes an observer channel.
func (mb *MessageBus) Unsubscribe(ch chan BusEvent) {
	mb.obsMu.Lock()
	defer mb.obsMu.Unlock()
	for i, obs := range mb.observers {
		if obs == ch {
			mb.observers = append(mb.observers[:i], mb.observers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (mb *MessageBus) notifyObservers(event BusEvent) {
	mb.obsMu.RLock()
	defer mb.obsMu.RUnlock()
	for _, obs := range mb.observers {
		select {
		case obs <- event:
		default:
			// Non-blocking: skip slow observers
		}
	}
}

// Publish hands a domain event to every sink, then to observers.
func (mb *MessageBus) Publish(event string, payload interface{}) {
	mb.mu.RLock()
	sinks := append([]Sink(nil), mb.sinks...)
	mb.mu.RUnlock()

	for _, s := range sinks {
		s.Publish(event, payload)
	}

	mb.notifyObservers(BusEvent{
		Type: event,
		Data: payload,
		Time: time.Now(),
	})
}

// PublishPairing reaches observers only; pairing progress is not a domain event.
func (mb *MessageBus) PublishPairing(event PairingEvent) {
	mb.notifyObservers(BusEvent{
		Type:    "pairing",
		Pairing: &event,
		Time:    time.Now(),
	})
}
