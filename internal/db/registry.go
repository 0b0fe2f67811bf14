package db

import (
	"sync"
	"weak"

	"github.com/kestreldb/kestrel/internal/threadid"
)

// Registry is the process-wide instance cache: path → goroutine →
// weak reference to a live Instance. Entries never extend instance
// lifetime; stale entries (instance collected or closed) are pruned
// lazily on lookup and insert.
//
// One mutex guards the whole registry. Lookups copy out a strong
// reference under the lock so destruction cannot race with use.
// Everything else on an Instance is single-goroutine by the affinity
// invariant, so this is the only contention point the layer owns.
//
// Registries are created with NewRegistry and injected; tests get
// isolated registries, applications typically share one.
type Registry struct {
	mu    sync.Mutex
	cache map[string]map[threadid.ID]weak.Pointer[Instance]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		cache: make(map[string]map[threadid.ID]weak.Pointer[Instance]),
	}
}

// Get returns the live instance for the exact (path, thread) key, or
// nil.
func (r *Registry) Get(path string, tid threadid.ID) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveLocked(path, tid)
}

// GetAny returns any one live instance for path, across goroutines, or
// nil. Callers use it only to read configuration (schema, version),
// never to perform transactions: the returned instance still belongs
// to its own goroutine.
func (r *Registry) GetAny(path string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tid := range r.cache[path] {
		if inst := r.liveLocked(path, tid); inst != nil {
			return inst
		}
	}
	return nil
}

// liveLocked dereferences the entry for (path, tid), pruning it if the
// target is gone or closed. Caller holds r.mu.
func (r *Registry) liveLocked(path string, tid threadid.ID) *Instance {
	byThread, ok := r.cache[path]
	if !ok {
		return nil
	}
	wp, ok := byThread[tid]
	if !ok {
		return nil
	}
	inst := wp.Value()
	if inst == nil || inst.closed.Load() {
		delete(byThread, tid)
		if len(byThread) == 0 {
			delete(r.cache, path)
		}
		return nil
	}
	return inst
}

// insert registers a weak reference under (path, tid). A stale prior
// entry is overwritten; a live one is a caller bug (the acquisition
// protocol checks Get first) and is reported as a mismatched-config
// conflict rather than silently dropped.
func (r *Registry) insert(inst *Instance, tid threadid.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := inst.config.Path
	if existing := r.liveLocked(path, tid); existing != nil {
		return newError(KindMismatchedConfig, path,
			"an instance is already registered for this path on this thread")
	}
	byThread, ok := r.cache[path]
	if !ok {
		byThread = make(map[threadid.ID]weak.Pointer[Instance])
		r.cache[path] = byThread
	}
	byThread[tid] = weak.Make(inst)
	return nil
}

// remove deregisters the (path, tid) entry. No-op if absent.
func (r *Registry) remove(path string, tid threadid.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byThread, ok := r.cache[path]
	if !ok {
		return
	}
	delete(byThread, tid)
	if len(byThread) == 0 {
		delete(r.cache, path)
	}
}

// othersOnPath reports whether any live instance other than self holds
// the path open. Used by Compact, which needs exclusive access.
func (r *Registry) othersOnPath(path string, self *Instance) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tid := range r.cache[path] {
		if inst := r.liveLocked(path, tid); inst != nil && inst != self {
			return true
		}
	}
	return false
}
