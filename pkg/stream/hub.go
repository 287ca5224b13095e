// Package stream fans operator events out to websocket subscribers.
package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the spine.
const (
	TypeReady             = "ready"
	TypeChainAppended     = "audit.appended"
	TypeChainViolation    = "audit.chain_violation"
	TypeEscalation        = "escalation.transition"
	TypeAnchorVerified    = "anchor.verified"
	TypeAnchorFailed      = "anchor.failed"
	TypeConsentRevoked    = "consent.revoked"
	TypeDuplicateMutation = "mutation.duplicate"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Hub delivers each event to every subscriber whose buffer has room. Slow
// subscribers miss events rather than block publishers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]filter
	dropped atomic.Int64
}

type filter map[string]struct{}

func (f filter) match(t string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[t]
	return ok
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]filter{}}
}

// Subscribe registers a channel; with types given only those are delivered.
func (h *Hub) Subscribe(buffer int, types ...string) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	f := filter{}
	for _, t := range types {
		if t != "" {
			f[t] = struct{}{}
		}
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = f
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, f := range h.subs {
		if !f.match(evt.Type) {
			continue
		}
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

// Emit builds and publishes an event.
func (h *Hub) Emit(eventType string, data any) {
	h.Publish(NewEvent(eventType, data))
}

// Dropped counts deliveries skipped because a subscriber was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
