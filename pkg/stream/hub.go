// Package stream fans decision events out to live subscribers. Publishing
// never blocks the decision path: a subscriber that falls behind loses its
// oldest buffered events, not the newest ones.
package stream

import (
	"sync"

	"bastion/pkg/models"
)

// DefaultBuffer is the per-subscriber event buffer.
const DefaultBuffer = 1024

type subscriber struct {
	ch       chan models.DecisionEvent
	tenantID string // empty subscribes to all tenants
}

type Hub struct {
	mu     sync.RWMutex
	subs   map[chan models.DecisionEvent]*subscriber
	onDrop func()
}

func NewHub() *Hub {
	return &Hub{subs: map[chan models.DecisionEvent]*subscriber{}}
}

// OnDrop registers a callback fired once per dropped event. Used for the
// dropped-events counter.
func (h *Hub) OnDrop(fn func()) {
	h.mu.Lock()
	h.onDrop = fn
	h.mu.Unlock()
}

// Subscribe registers a subscriber. A non-empty tenantID restricts delivery
// to that tenant's events.
func (h *Hub) Subscribe(tenantID string, buffer int) chan models.DecisionEvent {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan models.DecisionEvent, buffer)
	h.mu.Lock()
	h.subs[ch] = &subscriber{ch: ch, tenantID: tenantID}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan models.DecisionEvent) {
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

// Publish delivers the event to every matching subscriber. A full buffer
// evicts the subscriber's oldest pending event to make room.
func (h *Hub) Publish(evt models.DecisionEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.tenantID != "" && sub.tenantID != evt.TenantID {
			continue
		}
		select {
		case sub.ch <- evt:
			continue
		default:
		}
		select {
		case <-sub.ch:
			if h.onDrop != nil {
				h.onDrop()
			}
		default:
		}
		select {
		case sub.ch <- evt:
		default:
			if h.onDrop != nil {
				h.onDrop()
			}
		}
	}
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
