package collaboration

import (
	"sync"

	"collabdocs/internal/models"
)

// Registry tracks which document each live connection has joined and the
// identity it presented. In-memory only; it is rebuilt naturally from
// reconnects after a restart.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*models.Session)}
}

// Bind records the connection's session, overwriting any prior binding
// for the same connection. A connection is in at most one document room
// at a time.
func (r *Registry) Bind(connectionID, documentID, userName, userID string) *models.Session {
	session := models.NewSession(connectionID, documentID, userName, userID)

	r.mu.Lock()
	r.sessions[connectionID] = session
	r.mu.Unlock()

	return session
}

// Unbind removes and returns the connection's binding, or nil when there
// was none. Returning the removed session lets the caller run leave
// notifications exactly once.
func (r *Registry) Unbind(connectionID string) *models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[connectionID]
	if !ok {
		return nil
	}
	delete(r.sessions, connectionID)
	return session
}

// Lookup returns the connection's binding, or nil when it has not joined.
func (r *Registry) Lookup(connectionID string) *models.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.sessions[connectionID]
}

// Len returns the number of live bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}
