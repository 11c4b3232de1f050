// Package events is the in-process pub/sub spine. Producers never block:
// each subscriber gets its own buffered channel and events are dropped, not
// queued, when a consumer falls behind. The journal and the websocket API
// both ride this bus.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Type enumerates the event kinds on the bus.
type Type string

const (
	FeaturesUpdated       Type = "features_updated"
	SignalGenerated       Type = "signal_generated"
	OrderSubmitted        Type = "order_submitted"
	OrderFilled           Type = "order_filled"
	OrderRejected         Type = "order_rejected"
	PositionOpened        Type = "position_opened"
	PositionModified      Type = "position_modified"
	PositionClosed        Type = "position_closed"
	RegimeChanged         Type = "regime_changed"
	CircuitBreakerTripped Type = "circuit_breaker_tripped"
	EngineLog             Type = "engine_log"
)

// Event is one bus message. Payload is any JSON-marshalable value; the
// journal persists it verbatim.
type Event struct {
	Type    Type      `json:"type"`
	Symbol  string    `json:"symbol,omitempty"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

const subscriberBuffer = 256

// Bus fans events out to subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Uint64
	logger  *slog.Logger
}

// NewBus creates a bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   map[int]chan Event{},
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers a consumer. The returned cancel func must be called to
// release the channel; after cancel the channel is closed.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers to every subscriber without blocking. Slow consumers
// lose events; the drop is counted and logged, never waited on.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
			b.logger.Warn("subscriber buffer full, dropping event",
				"subscriber", id, "type", evt.Type)
		}
	}
}

// Emit is shorthand for Publish with the common fields.
func (b *Bus) Emit(t Type, symbol string, payload any) {
	b.Publish(Event{Type: t, Symbol: symbol, Payload: payload})
}

// Dropped returns the count of events lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
