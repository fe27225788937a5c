package realtime

import (
	"sort"
	"sync"
)

// Registry is the presence table: identity -> set of live connections.
//
// An identity may hold any number of connections (tabs, devices). A
// connection is bound to at most one identity; registering it again moves it.
// All mutations happen under one lock, so concurrent Register/Unregister for
// the same identity never lose updates.
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[string]map[string]*Client
	byConn     map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		byIdentity: make(map[string]map[string]*Client),
		byConn:     make(map[string]string),
	}
}

// Register binds c to identity. It reports false, and binds nothing, for
// invalid input and for clients that were retired or have shut down.
func (r *Registry) Register(identity string, c *Client) bool {
	if identity == "" || c == nil || c.ConnID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c.detached || c.closed() {
		return false
	}

	if prev, ok := r.byConn[c.ConnID]; ok && prev != identity {
		r.removeLocked(prev, c.ConnID)
	}

	set := r.byIdentity[identity]
	if set == nil {
		set = make(map[string]*Client)
		r.byIdentity[identity] = set
	}
	set[c.ConnID] = c
	r.byConn[c.ConnID] = identity
	return true
}

// Retire unregisters c and marks it so later Register calls are refused.
// It returns the identity c was bound to, if any.
func (r *Registry) Retire(c *Client) (string, bool) {
	if c == nil {
		return "", false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c.detached = true
	identity, ok := r.byConn[c.ConnID]
	if !ok {
		return "", false
	}
	r.removeLocked(identity, c.ConnID)
	return identity, true
}

// Unregister removes connID from whichever identity holds it and returns that
// identity. Unknown handles are a no-op.
func (r *Registry) Unregister(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	r.removeLocked(identity, connID)
	return identity, true
}

func (r *Registry) removeLocked(identity, connID string) {
	delete(r.byConn, connID)
	if set := r.byIdentity[identity]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byIdentity, identity)
		}
	}
}

// ConnectionsFor returns the live connections of identity, ordered by
// connection id. Empty means unreachable.
func (r *Registry) ConnectionsFor(identity string) []*Client {
	r.mu.RLock()
	set := r.byIdentity[identity]
	out := make([]*Client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

// IdentityOf reports the identity connID is registered under.
func (r *Registry) IdentityOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[connID]
	return id, ok
}

// Identities returns the number of identities with at least one connection.
func (r *Registry) Identities() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity)
}
