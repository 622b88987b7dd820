package listener

import (
	"sync"

	"github.com/drblury/chirpflow/internal/runtime/eventbus"
	"github.com/drblury/chirpflow/internal/runtime/metrics"
)

// Hub fans envelopes out to per-user taps. A tap that cannot keep up loses
// envelopes instead of stalling the listener.
type Hub struct {
	mu      sync.RWMutex
	taps    map[string]map[*Tap]struct{}
	buffer  int
	metrics *metrics.Metrics
}

func newHub(buffer int, m *metrics.Metrics) *Hub {
	return &Hub{taps: make(map[string]map[*Tap]struct{}), buffer: buffer, metrics: m}
}

// Tap is one subscriber's feed.
type Tap struct {
	userID string
	ch     chan eventbus.Envelope
	hub    *Hub
	once   sync.Once
}

// Open registers a new tap for userID.
func (h *Hub) Open(userID string) *Tap {
	t := &Tap{userID: userID, ch: make(chan eventbus.Envelope, h.buffer), hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.taps[userID]
	if !ok {
		set = make(map[*Tap]struct{})
		h.taps[userID] = set
	}
	set[t] = struct{}{}
	return t
}

// Publish offers env to every tap of every target.
func (h *Hub) Publish(env eventbus.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, userID := range env.TargetUserIDs {
		for t := range h.taps[userID] {
			select {
			case t.ch <- env:
				h.metrics.RecordDelivery(metrics.TransportSSE, metrics.OutcomeOK)
			default:
				h.metrics.RecordDelivery(metrics.TransportSSE, metrics.OutcomeDropped)
			}
		}
	}
}

// Len returns the number of open taps.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.taps {
		n += len(set)
	}
	return n
}

// UserID returns the user the tap was opened for.
func (t *Tap) UserID() string { return t.userID }

// Events returns the feed. It is closed by Close.
func (t *Tap) Events() <-chan eventbus.Envelope { return t.ch }

// Close unregisters the tap. Safe to call more than once.
func (t *Tap) Close() {
	t.once.Do(func() {
		h := t.hub
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.taps[t.userID]; ok {
			delete(set, t)
			if len(set) == 0 {
				delete(h.taps, t.userID)
			}
		}
		close(t.ch)
	})
}
