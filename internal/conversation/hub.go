package conversation

import (
	"log/slog"
	"sync"

	"github.com/confabhq/confab/pkg/types"
)

var _ types.Listener = (*Hub)(nil)

// Hub fans conversation events out to any number of channel subscribers. It
// implements [types.Listener] so it can sit directly in an orchestrator's
// listener list.
//
// Delivery to a subscriber never blocks the conversation: when a subscriber's
// buffer is full the event is dropped for that subscriber and a warning is
// logged. Subscribers needing a complete record should read promptly or size
// their buffer accordingly.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan types.Event
	nextID int
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan types.Event)}
}

// Notify delivers ev to all current subscribers.
func (h *Hub) Notify(ev types.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("event subscriber lagging, dropping event",
				"subscriber", id, "event", ev.Kind.String())
		}
	}
}

// Subscribe registers a new subscriber and returns its channel together with
// a cancel function. buffer <= 0 picks a sensible default. The channel is
// closed on cancel or when the hub closes; subscribing to a closed hub
// returns an already-closed channel.
func (h *Hub) Subscribe(buffer int) (<-chan types.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		ch := make(chan types.Event)
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	ch := make(chan types.Event, buffer)
	h.subs[id] = ch
	return ch, func() { h.unsubscribe(id) }
}

// unsubscribe removes one subscriber; safe to call more than once.
func (h *Hub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(ch)
}

// Close closes every subscriber channel and marks the hub closed. Further
// Notify calls are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
