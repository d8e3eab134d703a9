// Package alerts fans out operational alerts (budget thresholds, canary
// rollbacks, drift detections, breaker trips) to SSE subscribers, keeping a
// bounded replay buffer for late joiners.
package alerts

import (
	"sync"
	"time"
)

const bufferCap = 200

// Alert levels.
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Alert is one operational event. Message text is already redacted by the
// publisher; the hub never sees raw user content.
type Alert struct {
	Level     string    `json:"level"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Hub fans alerts out to subscribers and buffers the most recent ones so a
// dashboard connecting late still sees context.
type Hub struct {
	mu      sync.Mutex
	buf     []Alert // circular buffer
	pos     int
	clients map[chan Alert]struct{}
}

// New creates a Hub ready for use.
func New() *Hub {
	return &Hub{
		buf:     make([]Alert, 0, bufferCap),
		clients: make(map[chan Alert]struct{}),
	}
}

// Publish stamps and delivers an alert. Sends are non-blocking so a slow
// consumer cannot stall publishing.
func (h *Hub) Publish(level, source, message string) {
	a := Alert{Level: level, Source: source, Message: message, CreatedAt: time.Now().UTC()}

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.buf) < cap(h.buf) {
		h.buf = append(h.buf, a)
	} else {
		h.buf[h.pos] = a
	}
	h.pos = (h.pos + 1) % cap(h.buf)

	for ch := range h.clients {
		select {
		case ch <- a:
		default:
		}
	}
}

// Subscribe returns a channel carrying future alerts and an unsubscribe
// function. Buffered history is replayed onto the channel first.
func (h *Hub) Subscribe() (<-chan Alert, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Alert, bufferCap+64)
	for _, a := range h.ordered() {
		ch <- a
	}
	h.clients[ch] = struct{}{}

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.clients[ch]; ok {
			delete(h.clients, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Recent returns the buffered alerts, oldest first.
func (h *Hub) Recent() []Alert {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Alert, len(h.buf))
	copy(out, h.ordered())
	return out
}

// ordered returns the ring contents oldest to newest. Caller holds h.mu.
func (h *Hub) ordered() []Alert {
	n := len(h.buf)
	if n == 0 || h.pos == 0 || n < cap(h.buf) {
		return h.buf
	}
	out := make([]Alert, n)
	copy(out, h.buf[h.pos:])
	copy(out[n-h.pos:], h.buf[:h.pos])
	return out
}
