package store

import (
	"sync"

	"agentrelay/internal/feed"
	"agentrelay/internal/logging"
)

// subscriberBuffer is how many entries a slow stream may lag before it
// starts dropping.
const subscriberBuffer = 64

// Hub fans appended entries out to stream subscribers.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan feed.Entry]struct{}
	closed bool
}

// NewHub creates a hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan feed.Entry]struct{})}
}

// Subscribe returns a channel of new entries and a cancel func. The channel
// is closed by cancel or by Close.
func (h *Hub) Subscribe() (<-chan feed.Entry, func()) {
	ch := make(chan feed.Entry, subscriberBuffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

// Publish delivers e to every subscriber without blocking.
func (h *Hub) Publish(e feed.Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			logging.StoreWarn("Stream subscriber lagging, dropped entry %d", e.ID)
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
