package ocpp16

import (
	"sort"
	"sync"

	"github.com/charging-platform/balanz/internal/balanz"
)

// Registry tracks the live session per charger. One charger has at most
// one session; a newer connection replaces the older one.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers the session and returns the displaced session, if any.
// The caller is responsible for closing the displaced connection.
func (r *Registry) Add(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.sessions[s.ChargerID()]
	r.sessions[s.ChargerID()] = s
	return old
}

// Remove drops the session, unless a newer session for the same charger
// already replaced it.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.ChargerID()] == s {
		delete(r.sessions, s.ChargerID())
	}
}

// Get returns the live session for chargerID.
func (r *Registry) Get(chargerID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[chargerID]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ChargerIDs lists the chargers with a live session, sorted.
func (r *Registry) ChargerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResolveDriver adapts the registry to the balancing loop's resolver.
func (r *Registry) ResolveDriver(chargerID string) (balanz.Driver, bool) {
	s, ok := r.Get(chargerID)
	if !ok {
		return nil, false
	}
	return s, true
}
