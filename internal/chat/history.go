package chat

import (
	"sync"

	"github.com/you/couchcast/internal/core"
)

// History is the capacity-bounded buffer of delivered events. The engine's
// receive path is the only writer; readers get copies.
type History struct {
	mu     sync.Mutex
	cap    int
	events []core.ChatEvent
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{cap: capacity}
}

// Append adds ev, dropping the oldest entries once capacity is exceeded.
func (h *History) Append(ev core.ChatEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	if over := len(h.events) - h.cap; over > 0 {
		h.events = append([]core.ChatEvent(nil), h.events[over:]...)
	}
}

// Snapshot returns a copy of the buffered events, oldest first.
func (h *History) Snapshot() []core.ChatEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]core.ChatEvent, len(h.events))
	copy(out, h.events)
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = nil
}
