package presence

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry is the live user-id -> connection-id mapping and the single
// source of truth for "is this user reachable right now". At most one
// connection is registered per user; a newer connection for the same user
// supersedes the previous entry.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]string // userID -> connID
	byConn map[string]string // connID -> userID
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]string),
		byConn: make(map[string]string),
	}
}

// Register records connID as the active connection for userID,
// unconditionally overwriting any prior entry. Last writer wins.
func (r *Registry) Register(userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byUser[userID]; ok {
		delete(r.byConn, prev)
	}
	r.byUser[userID] = connID
	r.byConn[connID] = userID

	log.Debug().Str("module", "presence").Str("user", userID).Str("conn", connID).Msg("registered")
}

// Unregister removes the entry owned by connID. A stale disconnect for a
// connection that has already been superseded is a no-op, so it can never
// evict the user's newer connection. It returns the owning user id and
// whether that user went offline.
func (r *Registry) Unregister(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)
	if r.byUser[userID] != connID {
		return "", false
	}
	delete(r.byUser, userID)

	log.Debug().Str("module", "presence").Str("user", userID).Str("conn", connID).Msg("unregistered")
	return userID, true
}

// IsOnline reports whether the user has a registered connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[userID]
	return ok
}

// ConnectionFor returns the connection id registered for the user.
func (r *Registry) ConnectionFor(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byUser[userID]
	return connID, ok
}

// Online returns a snapshot of all currently registered user ids.
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		out = append(out, userID)
	}
	return out
}
