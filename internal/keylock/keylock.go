// Package keylock provides exclusive locks scoped to a string key.
package keylock

import "sync"

// Registry hands out one mutex per key. Entries are created on first use and
// removed once no goroutine holds or waits on them, so the map only ever
// contains keys with work in flight.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int // holders + waiters, guarded by Registry.mu
}

// Handle is a held per-key lock. Release it exactly once.
type Handle struct {
	r        *Registry
	key      string
	e        *entry
	released bool
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{locks: make(map[string]*entry)}
}

// Acquire blocks until the lock for key is held by the caller.
// The registry mutex is released before blocking on the key's lock.
func (r *Registry) Acquire(key string) *Handle {
	r.mu.Lock()
	e, ok := r.locks[key]
	if !ok {
		e = &entry{}
		r.locks[key] = e
	}
	e.refs++
	r.mu.Unlock()

	e.mu.Lock()
	return &Handle{r: r, key: key, e: e}
}

// Len returns the number of keys currently held or waited on.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

// Key returns the key this handle locks.
func (h *Handle) Key() string { return h.key }

// Release unlocks the key. Releasing twice panics.
func (h *Handle) Release() {
	if h.released {
		panic("keylock: release of already released handle for key " + h.key)
	}
	h.released = true
	h.e.mu.Unlock()

	h.r.mu.Lock()
	h.e.refs--
	if h.e.refs == 0 {
		delete(h.r.locks, h.key)
	}
	h.r.mu.Unlock()
}
