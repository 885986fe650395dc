package audio

import "sync"

// Hub keeps one relay per browsing context so frames from a websocket reach
// the voice machine of the same session.
type Hub struct {
	mu     sync.Mutex
	relays map[string]*Relay
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{relays: make(map[string]*Relay)}
}

// Relay returns the relay for key, creating it on first use.
func (h *Hub) Relay(key string) *Relay {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.relays[key]
	if !ok {
		r = NewRelay()
		h.relays[key] = r
	}
	return r
}

// Write forwards a frame to the relay for key. Frames for unknown keys are
// dropped.
func (h *Hub) Write(key string, frame []byte) bool {
	h.mu.Lock()
	r, ok := h.relays[key]
	h.mu.Unlock()
	if !ok {
		return false
	}
	return r.Write(frame)
}

// Remove ends any held input for key and forgets its relay.
func (h *Hub) Remove(key string) {
	h.mu.Lock()
	r, ok := h.relays[key]
	delete(h.relays, key)
	h.mu.Unlock()
	if ok {
		r.End()
	}
}

// Len returns the number of tracked relays.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.relays)
}
