package realtime

import (
	"sync"

	"rollcall/cmd/internal/auth"
	v1 "rollcall/shared/contracts/signal/v1"
)

// Client represents one connected websocket session.
//
// Send is never closed by the server so concurrent relays cannot panic on a
// departing client; done signals shutdown instead. Close is idempotent.
type Client struct {
	ConnID string
	// Auth is the identity verified at handshake, nil for anonymous connections.
	Auth *auth.Identity
	Send chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	// detached is guarded by Registry.mu.
	detached bool
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connID string, authID *auth.Identity, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnID: connID,
		Auth:   authID,
		Send:   make(chan v1.Envelope, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// offer enqueues env without blocking. It reports false when the client is
// shutting down or its queue is full.
func (c *Client) offer(env v1.Envelope) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
