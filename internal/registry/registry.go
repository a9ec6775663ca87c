// Package registry maintains the authoritative mapping from identity to the
// single live connection carrying it. Registration for an identity that is
// already connected supersedes the older connection; the caller is
// responsible for closing the evicted one.
package registry

import (
	"sync"

	"github.com/real-rm/chatrelay/internal/metrics"
	"github.com/real-rm/chatrelay/internal/ws"
)

// Registry is the identity-to-connection map
type Registry struct {
	conns map[int64]*ws.Conn
	mu    sync.RWMutex
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		conns: make(map[int64]*ws.Conn),
	}
}

// Register binds the connection to its identity.
// If another connection already holds the identity it is returned as evicted
// and no longer appears in lookups; the new connection takes its place
// atomically so there is no window where the identity has no connection.
func (r *Registry) Register(conn *ws.Conn) (evicted *ws.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted = r.conns[conn.UserID]
	r.conns[conn.UserID] = conn
	if evicted == nil {
		metrics.WebSocketConnections.Inc()
	}
	return evicted
}

// UnregisterConn removes the connection only if it is still the registered
// one for its identity. A superseded connection's late teardown must not
// remove its successor. Returns whether a removal happened.
func (r *Registry) UnregisterConn(conn *ws.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.conns[conn.UserID]
	if !ok || current != conn {
		return false
	}
	delete(r.conns, conn.UserID)
	metrics.WebSocketConnections.Dec()
	return true
}

// Lookup returns the registered connection for the identity, or nil
func (r *Registry) Lookup(userID int64) *ws.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[userID]
}

// ForEachOpen visits every registered connection outside the lock.
// The snapshot is taken under the read lock so a visit that tears down a
// connection cannot deadlock against registration.
func (r *Registry) ForEachOpen(visit func(conn *ws.Conn)) {
	r.mu.RLock()
	snapshot := make([]*ws.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	for _, c := range snapshot {
		if c.IsOpen() {
			visit(c)
		}
	}
}

// OnlineUserIDs returns the identities with a registered connection
func (r *Registry) OnlineUserIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int64, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of registered connections
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
