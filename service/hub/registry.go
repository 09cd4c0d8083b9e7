package hub

import (
	"sync"
)

// Conn is one physical duplex channel to one client. Implementations are
// owned by the session gateway that created them; ID must be unique within
// the process.
type Conn interface {
	ID() string
	WriteMessage(data []byte) error
	Close() error
}

// Registry maps users to their live connections. It is the only shared
// mutable structure in the hub; every method is safe for concurrent use.
// "Online" means a non-empty connection set — there is no separate presence
// table.
type Registry struct {
	mu     sync.RWMutex
	byUser map[UserID]map[string]Conn // user -> conn_id -> conn
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[UserID]map[string]Conn),
	}
}

// Register adds c to the user's set and reports whether the user went
// online (empty -> non-empty edge). Re-registering a known conn ID is a
// no-op and never re-fires the edge.
func (r *Registry) Register(user UserID, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byUser[user]
	if set == nil {
		set = make(map[string]Conn)
		r.byUser[user] = set
	}
	if _, ok := set[c.ID()]; ok {
		return false
	}
	wasEmpty := len(set) == 0
	set[c.ID()] = c
	return wasEmpty
}

// Unregister removes c from the user's set and reports whether the user
// went offline (non-empty -> empty edge). An empty set is deleted outright,
// so absent and present-with-zero are the same state.
func (r *Registry) Unregister(user UserID, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byUser[user]
	if set == nil {
		return false
	}
	if _, ok := set[c.ID()]; !ok {
		return false
	}
	delete(set, c.ID())
	if len(set) == 0 {
		delete(r.byUser, user)
		return true
	}
	return false
}

// ConnectionsFor returns a snapshot of the user's connections. Callers send
// on the copy; the lock is never held across I/O.
func (r *Registry) ConnectionsFor(user UserID) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[user]
	if len(set) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// OnlineUserIDs returns a snapshot of all users with at least one live
// connection.
func (r *Registry) OnlineUserIDs() []UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]UserID, 0, len(r.byUser))
	for user := range r.byUser {
		out = append(out, user)
	}
	return out
}

func (r *Registry) IsOnline(user UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[user]) > 0
}

// CloseAll closes every live connection. Collect under the lock, close
// outside it; the per-connection read loops handle their own unregister.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	var conns []Conn
	for _, set := range r.byUser {
		for _, c := range set {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
