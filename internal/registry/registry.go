// Package registry tracks the live, authenticated connections of each user.
package registry

import (
	"slices"
	"sync"

	"github.com/4xmen/chatbridge/internal/metrics"
)

// Conn is a live client connection that can receive server frames.
type Conn interface {
	Push(v any) error
	Close() error
}

// Session is one registered connection.
type Session struct {
	Conn      Conn
	UserID    int64
	SessionID string
}

// Registry is safe for concurrent use. A connection is registered under at
// most one user at a time.
type Registry struct {
	mu      sync.RWMutex
	byConn  map[Conn]*Session
	byUser  map[int64][]*Session
	metrics *metrics.Metrics
}

func New(m *metrics.Metrics) *Registry {
	return &Registry{
		byConn:  make(map[Conn]*Session),
		byUser:  make(map[int64][]*Session),
		metrics: m,
	}
}

// Register binds conn to userID. Registering a connection again replaces
// its previous binding.
func (r *Registry) Register(conn Conn, userID int64, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(conn)
	s := &Session{Conn: conn, UserID: userID, SessionID: sessionID}
	r.byConn[conn] = s
	r.byUser[userID] = append(r.byUser[userID], s)
	r.metrics.SetConnections(len(r.byConn))
}

// Unregister drops conn. It reports whether conn was registered; calling it
// twice is harmless.
func (r *Registry) Unregister(conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := r.removeLocked(conn)
	if removed {
		r.metrics.SetConnections(len(r.byConn))
	}
	return removed
}

func (r *Registry) removeLocked(conn Conn) bool {
	s, ok := r.byConn[conn]
	if !ok {
		return false
	}
	delete(r.byConn, conn)

	remaining := slices.DeleteFunc(r.byUser[s.UserID], func(other *Session) bool { return other == s })
	if len(remaining) == 0 {
		delete(r.byUser, s.UserID)
	} else {
		r.byUser[s.UserID] = remaining
	}
	return true
}

// ConnectionsFor returns the live connections of userID in registration
// order.
func (r *Registry) ConnectionsFor(userID int64) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := r.byUser[userID]
	conns := make([]Conn, len(sessions))
	for i, s := range sessions {
		conns[i] = s.Conn
	}
	return conns
}

func (r *Registry) SessionsFor(userID int64) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]Session, len(r.byUser[userID]))
	for i, s := range r.byUser[userID] {
		sessions[i] = *s
	}
	return sessions
}

// Lookup returns the session bound to conn.
func (r *Registry) Lookup(conn Conn) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byConn[conn]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
