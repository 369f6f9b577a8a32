package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/tailbridge/telemetry"
)

// defaultSignalBufferSize is the buffer size for outcome signal channels.
// Subscribers that can't keep up will have signals dropped (non-blocking send).
const defaultSignalBufferSize = 16

// Signal announces that a row reached a terminal outcome.
type Signal struct {
	RowID     string
	Watermark time.Time
	Status    string
}

// Filter selects signals by status. Empty means all statuses.
type Filter struct {
	Statuses []string
}

// subscription represents a single subscriber.
type subscription struct {
	id     uint64
	filter Filter
	ch     chan Signal
	closed atomic.Bool
}

func (s *subscription) matches(status string) bool {
	if len(s.filter.Statuses) == 0 {
		return true
	}

	for _, st := range s.filter.Statuses {
		if st == status {
			return true
		}
	}
	return false
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub fans terminal-outcome signals out to subscribers.
// Signal never blocks; a slow subscriber loses signals, not the sender.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates a new notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal sends a signal to all matching subscribers (non-blocking).
func (h *Hub) Signal(sig Signal) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	telemetry.NotifySignalsTotal.Inc()
	for _, sub := range h.subscriptions {
		if !sub.matches(sig.Status) {
			continue
		}

		select {
		case sub.ch <- sig:
		default:
			telemetry.NotifySignalsDropped.Inc()
		}
	}
}

// Subscribe creates a new subscription and returns the signal channel and cancel function.
// The cancel function is idempotent and closes the channel.
func (h *Hub) Subscribe(filter Filter) (<-chan Signal, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Signal, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
