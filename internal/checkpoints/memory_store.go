package checkpoints

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	checkpoints map[Key]*Checkpoint
	mu          sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[Key]*Checkpoint),
	}
}

func (m *MemoryStore) Save(_ context.Context, checkpoint Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if checkpoint.Meta.UpdatedAt.IsZero() {
		checkpoint.Meta.UpdatedAt = time.Now()
	}
	m.checkpoints[checkpoint.Key] = &checkpoint
	return nil
}

func (m *MemoryStore) Load(_ context.Context, key Key) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, exists := m.checkpoints[key]
	if !exists {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointNotFound, key)
	}
	out := *cp
	return &out, nil
}

func (m *MemoryStore) List(_ context.Context, workflowID string) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Checkpoint{}
	for key, cp := range m.checkpoints {
		if key.WorkflowID == workflowID {
			out = append(out, *cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Meta.CreatedAt.Before(out[j].Meta.CreatedAt) ||
			(out[i].Meta.CreatedAt.Equal(out[j].Meta.CreatedAt) && out[i].Key.RunID < out[j].Key.RunID)
	})
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.checkpoints, key)
	return nil
}
