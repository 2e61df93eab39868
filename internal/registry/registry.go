// Package registry maps user identities to their live WebSocket
// connections. A user may be connected from several devices at once;
// presence means "at least one live connection".
package registry

import (
	"log/slog"
	"sync"
)

// Registry tracks live connections per user. Thread-safe.
//
// Invariants: a Conn appears under at most one user at a time, and a
// user entry with an empty connection set is deleted immediately, so
// IsOnline is a plain map presence check.
type Registry struct {
	mu    sync.RWMutex
	users map[int64]map[*Conn]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		users: make(map[int64]map[*Conn]struct{}),
	}
}

// Register binds conn to userID and adds it to the user's connection
// set. Idempotent for a repeated (userID, conn) pair. If the conn was
// registered under a different user it is moved.
func (r *Registry) Register(userID int64, conn *Conn) {
	if userID == 0 || conn == nil {
		return
	}

	r.mu.Lock()
	if prev := conn.UserID(); prev != 0 && prev != userID {
		r.removeLocked(prev, conn)
	}
	set := r.users[userID]
	if set == nil {
		set = make(map[*Conn]struct{})
		r.users[userID] = set
	}
	set[conn] = struct{}{}
	conn.setUser(userID)
	r.mu.Unlock()

	slog.Debug("registry: registered", "user_id", userID)
}

// Unregister removes conn from whichever user's set holds it and
// deletes the entry if the set becomes empty. A no-op when the conn
// was never registered or was already removed (double close is fine).
func (r *Registry) Unregister(conn *Conn) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Close events do not carry the user id, and the bound id may be
	// stale after a re-register, so scan rather than trust it.
	if id := conn.UserID(); id != 0 {
		if r.removeLocked(id, conn) {
			conn.clearUser()
			slog.Debug("registry: unregistered", "user_id", id)
			return
		}
	}
	for id, set := range r.users {
		if _, ok := set[conn]; ok {
			delete(set, conn)
			if len(set) == 0 {
				delete(r.users, id)
			}
			conn.clearUser()
			slog.Debug("registry: unregistered", "user_id", id)
			return
		}
	}
}

func (r *Registry) removeLocked(userID int64, conn *Conn) bool {
	set, ok := r.users[userID]
	if !ok {
		return false
	}
	if _, ok := set[conn]; !ok {
		return false
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(r.users, userID)
	}
	return true
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// ConnectionsFor returns a snapshot of the user's live connections.
// Empty when the user is offline. The snapshot may be written to
// without holding the registry lock.
func (r *Registry) ConnectionsFor(userID int64) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.users[userID]
	if len(set) == 0 {
		return nil
	}
	conns := make([]*Conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}

// OnlineUsers returns the number of users with at least one connection.
func (r *Registry) OnlineUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// ConnectionCount returns the number of live connections one user has.
func (r *Registry) ConnectionCount(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// Snapshot returns connection counts per online user, for the ops API.
func (r *Registry) Snapshot() map[int64]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[int64]int, len(r.users))
	for id, set := range r.users {
		out[id] = len(set)
	}
	return out
}
