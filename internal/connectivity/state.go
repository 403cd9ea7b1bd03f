// Package connectivity models the online/offline signal consulted
// before every engine operation.
//
// The State holder is the single source of truth for connectivity: set
// at app start, mutated only by the Monitor (or the embedding app's own
// signal), read by the façade and the sync triggers.
package connectivity

import "sync"

// Listener is notified whenever the online state flips.
type Listener func(online bool)

// State is an injectable boolean connectivity signal with change
// notifications.
type State struct {
	mu        sync.RWMutex
	online    bool
	listeners []Listener
}

// NewState creates a State with the given initial value.
func NewState(online bool) *State {
	return &State{online: online}
}

// Online reports the current connectivity.
func (s *State) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// Set updates the connectivity signal. Listeners are only notified on an
// actual transition, not on repeated sets of the same value.
func (s *State) Set(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l(online)
	}
}

// Subscribe registers a listener for state transitions. Listeners are
// invoked synchronously from Set; long work belongs in a goroutine.
func (s *State) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}
