package session

import (
	"sort"
	"sync"

	"github.com/universal-console/agentlink/internal/protocol"
)

// Registry caches sessions known to this client and tracks the current
// one. Reads are public; writes go through the Guard that owns it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]protocol.Session
	current  string
}

func newRegistry() *Registry {
	return &Registry{sessions: make(map[string]protocol.Session)}
}

// Get returns the cached session for id.
func (r *Registry) Get(id string) (protocol.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Has reports whether id exists locally.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// List returns the cached sessions, newest first.
func (r *Registry) List() []protocol.Session {
	r.mu.RLock()
	out := make([]protocol.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Time.Created != out[j].Time.Created {
			return out[i].Time.Created > out[j].Time.Created
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Current returns the current session id, or "" when none is selected.
func (r *Registry) Current() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

func (r *Registry) put(s protocol.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// remove drops id and clears the current session if it was id.
func (r *Registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	if r.current == id {
		r.current = ""
	}
	return ok
}

// selectKnown makes id current if it is cached and reports whether it was.
func (r *Registry) selectKnown(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	r.current = id
	return true
}

func (r *Registry) setCurrent(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = id
}
