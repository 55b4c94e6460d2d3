package instance

import (
	"sync"

	"github.com/jcastroa/whatsapp-api/internal/transport"
)

// Handle is the live in-process connection state for one instance. It exists
// exactly while the instance is connecting or connected and is owned by the
// Registry.
type Handle struct {
	ID      string
	Session transport.Session

	events chan transport.Event
	done   chan struct{}
}

// stop ends the handle's event consumer. Safe to call more than once.
func (h *Handle) stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// Registry is the process-wide map from instance id to live handle. It is the
// single source of truth for "is this instance active in this process" and
// the only state shared across instance event loops.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handles[id]
	return ok
}

// Put stores the handle unless one already exists for the id. Returns false
// on conflict so no two concurrent handles for the same id can coexist.
func (r *Registry) Put(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[h.ID]; ok {
		return false
	}
	r.handles[h.ID] = h
	return true
}

// Remove drops the handle for id, returning it if present.
func (r *Registry) Remove(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if ok {
		delete(r.handles, id)
	}
	return h, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// ActiveIDs lists ids with a live handle.
func (r *Registry) ActiveIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	return ids
}
