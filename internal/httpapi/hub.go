package httpapi

import (
	"sync"

	"github.com/ent0n29/convmem/internal/observability"
	"github.com/ent0n29/convmem/internal/protocol"
)

const subscriberBuffer = 64

// Subscriber receives server events for one session.
type Subscriber struct {
	sessionID string
	events    chan any
}

func (s *Subscriber) Events() <-chan any { return s.events }

// Hub fans server events out to the websocket connections of a session. Publish never
// blocks; events for a subscriber whose buffer is full are dropped.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscriber]struct{}
	metrics *observability.Metrics
}

func NewHub(metrics *observability.Metrics) *Hub {
	return &Hub{
		subs:    make(map[string]map[*Subscriber]struct{}),
		metrics: metrics,
	}
}

func (h *Hub) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{sessionID: sessionID, events: make(chan any, subscriberBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sub.sessionID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.sessionID)
	}
}

// Publish returns how many subscribers accepted the event.
func (h *Hub) Publish(sessionID string, event any) int {
	typ := string(protocol.EventType(event))
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for sub := range h.subs[sessionID] {
		select {
		case sub.events <- event:
			delivered++
			h.observe("queued", typ)
		default:
			h.observe("drop_full", typ)
		}
	}
	return delivered
}

func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

func (h *Hub) observe(direction, typ string) {
	if h.metrics == nil {
		return
	}
	h.metrics.WSMessages.WithLabelValues(direction, typ).Inc()
}
