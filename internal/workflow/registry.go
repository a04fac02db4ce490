package workflow

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/store"
)

// Registry hands out one Manager per workflow ID so that every caller editing
// the same workflow shares its lock.
type Registry struct {
	mu       sync.Mutex
	store    store.Store
	opts     []Option
	managers map[string]*Manager
}

func NewRegistry(st store.Store, opts ...Option) *Registry {
	return &Registry{
		store:    st,
		opts:     opts,
		managers: make(map[string]*Manager),
	}
}

// Get returns the manager for workflowID, loading it on first use. A workflow
// that is not stored yet starts empty.
func (r *Registry) Get(ctx context.Context, workflowID string) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, exists := r.managers[workflowID]; exists {
		return m, nil
	}

	m := NewManager(workflowID, r.store, r.opts...)
	if err := m.Load(ctx); err != nil && !errors.Is(err, ErrWorkflowNotFound) {
		return nil, err
	}
	r.managers[workflowID] = m
	return m, nil
}

// Forget drops the cached manager; the next Get reloads from the store.
func (r *Registry) Forget(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.managers, workflowID)
}

// Loaded lists the workflow IDs with a cached manager.
func (r *Registry) Loaded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.managers))
	for id := range r.managers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Store returns the backing store
func (r *Registry) Store() store.Store {
	return r.store
}
