package worker

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a worker on first use.
type Factory func() Worker

// UnknownWorkerError is returned for an id with no registered factory.
type UnknownWorkerError struct {
	ID string
}

func (e *UnknownWorkerError) Error() string {
	return fmt.Sprintf("unknown worker %q", e.ID)
}

// Registry maps worker ids to factories and caches the instances it builds.
// Safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]Worker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Worker),
	}
}

// Register adds a factory under id. Re-registering replaces the factory and drops any cached instance.
func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
	delete(r.instances, id)
}

// Get returns the worker for id, instantiating it on first use.
func (r *Registry) Get(id string) (Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.instances[id]; ok {
		return w, nil
	}
	f, ok := r.factories[id]
	if !ok {
		return nil, &UnknownWorkerError{ID: id}
	}
	w := f()
	if w == nil {
		return nil, fmt.Errorf("worker %q: factory returned nil", id)
	}
	r.instances[id] = w
	return w, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.factories[id]
	return ok
}

// IDs returns all registered worker ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All instantiates every registered worker, in id order.
func (r *Registry) All() ([]Worker, error) {
	var workers []Worker
	for _, id := range r.IDs() {
		w, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}
