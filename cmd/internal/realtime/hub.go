package realtime

import (
	"sync"
)

// Hub tracks every live connection, registered or not. Class-call broadcasts
// fan out over the Hub rather than the Registry.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Add(c *Client) {
	if c == nil || c.ConnID == "" {
		return
	}
	h.mu.Lock()
	h.clients[c.ConnID] = c
	h.mu.Unlock()
}

func (h *Hub) Remove(connID string) {
	h.mu.Lock()
	delete(h.clients, connID)
	h.mu.Unlock()
}

// Snapshot returns the live clients at call time.
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
