package chat

import (
	"log/slog"
	"sync"
	"time"
)

// Registry holds one State per browser session.
type Registry struct {
	mu     sync.RWMutex
	states map[string]*State
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		states: make(map[string]*State),
		now:    time.Now,
	}
}

// Get returns the state for id, or nil.
func (r *Registry) Get(id string) *State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.states[id]
}

// GetOrCreate returns the state for id, creating an anonymous one if needed,
// and records activity on it.
func (r *Registry) GetOrCreate(id string) *State {
	now := r.now()

	r.mu.RLock()
	st, ok := r.states[id]
	r.mu.RUnlock()
	if ok {
		st.Touch(now)
		return st
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[id]; ok {
		st.Touch(now)
		return st
	}
	st = NewState(id)
	st.lastSeen = now
	r.states[id] = st
	slog.Debug("Chat state created", "state_id", id)
	return st
}

// Remove drops the state for id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[id]; ok {
		delete(r.states, id)
		slog.Debug("Chat state removed", "state_id", id)
	}
}

// Len returns the number of states.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}

// evictIdle removes states not seen since cutoff that have no request
// outstanding and returns their IDs.
func (r *Registry) evictIdle(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, st := range r.states {
		if !st.LastSeen().Before(cutoff) || st.Busy() {
			continue
		}
		delete(r.states, id)
		evicted = append(evicted, id)
	}
	return evicted
}
