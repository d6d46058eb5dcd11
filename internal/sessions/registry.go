package sessions

import (
	"context"
	"errors"
	"sync"
)

// ErrConnectionClosed is returned by Send after Close.
var ErrConnectionClosed = errors.New("sessions: connection closed")

// Connection is a live client channel.
type Connection interface {
	ID() string
	Send(ctx context.Context, payload []byte) error
	Close()
}

// Registry maps users to their live connections. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string][]Connection
	byConn map[string]string
	onSize func(int)
}

// RegistryOption configures the registry.
type RegistryOption func(*Registry)

// WithSizeObserver reports the connection count after every change.
func WithSizeObserver(fn func(int)) RegistryOption {
	return func(r *Registry) {
		r.onSize = fn
	}
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		byUser: make(map[string][]Connection),
		byConn: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds conn to userID. Registering the same connection twice is a
// no-op; registering it under another user moves it.
func (r *Registry) Register(userID string, conn Connection) {
	if r == nil || userID == "" || conn == nil {
		return
	}
	r.mu.Lock()
	id := conn.ID()
	if owner, ok := r.byConn[id]; ok {
		if owner == userID {
			r.mu.Unlock()
			return
		}
		r.removeLocked(owner, id)
	}
	r.byUser[userID] = append(r.byUser[userID], conn)
	r.byConn[id] = userID
	size := len(r.byConn)
	r.mu.Unlock()
	r.observe(size)
}

// Unregister removes conn. It reports whether the connection was known.
func (r *Registry) Unregister(conn Connection) bool {
	if r == nil || conn == nil {
		return false
	}
	r.mu.Lock()
	id := conn.ID()
	owner, ok := r.byConn[id]
	if ok {
		r.removeLocked(owner, id)
	}
	size := len(r.byConn)
	r.mu.Unlock()
	if ok {
		r.observe(size)
	}
	return ok
}

// Lookup returns a snapshot of the user's connections in registration order.
func (r *Registry) Lookup(userID string) []Connection {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]Connection, len(conns))
	copy(out, conns)
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// Users returns the number of users with at least one connection.
func (r *Registry) Users() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

func (r *Registry) removeLocked(userID, connID string) {
	delete(r.byConn, connID)
	conns := r.byUser[userID]
	for i, c := range conns {
		if c.ID() == connID {
			conns = append(conns[:i:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(r.byUser, userID)
		return
	}
	r.byUser[userID] = conns
}

func (r *Registry) observe(size int) {
	if r.onSize != nil {
		r.onSize(size)
	}
}
