package approval

import (
	"log/slog"
	"sync"
)

// DefaultSubscriberBuffer is the per-subscriber channel depth when the
// subscriber does not choose one.
const DefaultSubscriberBuffer = 16

// Hub fans approval events out to subscribers. Delivery is best-effort:
// a subscriber whose buffer is full loses the event so resolution never
// blocks on a slow listener.
type Hub struct {
	mu      sync.Mutex
	subs    map[uint64]chan Event
	nextID  uint64
	dropped uint64
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[uint64]chan Event),
		logger: logger,
	}
}

// Subscribe registers a listener and returns its channel plus a cancel
// function. Cancel is idempotent and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped++
			h.logger.Debug("approval subscriber slow, event dropped",
				"subscriber", id,
				"topic", ev.Topic)
		}
	}
}

// Dropped reports how many events were lost to slow subscribers.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Subscribers reports the current listener count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
