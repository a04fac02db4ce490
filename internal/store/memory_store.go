package store

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/graph"
)

// MemoryStore keeps every record JSON-encoded in maps. Update snapshots the
// maps and restores them if the transaction function fails.
type MemoryStore struct {
	workflows   map[string][]byte
	experiments map[string][]byte
	overlays    map[string][]byte
	closed      bool
	mu          sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:   make(map[string][]byte),
		experiments: make(map[string][]byte),
		overlays:    make(map[string][]byte),
	}
}

func (m *MemoryStore) Load(_ context.Context, workflowID string) (graph.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return graph.Document{}, NewError("load workflow", workflowID, ErrClosed)
	}
	data, exists := m.workflows[workflowID]
	if !exists {
		return graph.Document{}, NewError("load workflow", workflowID, ErrNotFound)
	}

	var doc graph.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return graph.Document{}, NewError("load workflow", workflowID, err)
	}
	return doc, nil
}

func (m *MemoryStore) Save(ctx context.Context, workflowID string, doc graph.Document) error {
	return m.Update(ctx, func(tx Tx) error {
		return tx.SaveWorkflow(workflowID, doc)
	})
}

func (m *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return NewError("update", "", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewError("update", "", ErrClosed)
	}

	snapshot := [3]map[string][]byte{
		maps.Clone(m.workflows),
		maps.Clone(m.experiments),
		maps.Clone(m.overlays),
	}
	if err := fn(&memoryTx{m: m}); err != nil {
		m.workflows, m.experiments, m.overlays = snapshot[0], snapshot[1], snapshot[2]
		return err
	}
	return nil
}

func (m *MemoryStore) PutExperimentRecord(_ context.Context, rec ExperimentRecord) error {
	if rec.ID == "" {
		return NewError("put experiment record", rec.StepID, fmt.Errorf("record ID is required"))
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return NewError("put experiment record", rec.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.experiments[rec.ID] = data
	return nil
}

func (m *MemoryStore) ExperimentRecords(_ context.Context, stepID string) ([]ExperimentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []ExperimentRecord{}
	for _, data := range m.experiments {
		var rec ExperimentRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, NewError("list experiment records", stepID, err)
		}
		if rec.StepID == stepID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) PutOverlay(_ context.Context, o Overlay) error {
	data, err := json.Marshal(o)
	if err != nil {
		return NewError("put overlay", o.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.overlays[o.ID] = data
	return nil
}

func (m *MemoryStore) Overlay(_ context.Context, id string) (Overlay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, exists := m.overlays[id]
	if !exists {
		return Overlay{}, NewError("load overlay", id, ErrNotFound)
	}
	var o Overlay
	if err := json.Unmarshal(data, &o); err != nil {
		return Overlay{}, NewError("load overlay", id, err)
	}
	return o, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// memoryTx writes straight into the store maps; the caller holds the lock.
type memoryTx struct {
	m *MemoryStore
}

func (tx *memoryTx) SaveWorkflow(workflowID string, doc graph.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return NewError("save workflow", workflowID, err)
	}
	tx.m.workflows[workflowID] = data
	return nil
}

func (tx *memoryTx) DeleteExperimentRecords(stepID string) error {
	for id, data := range tx.m.experiments {
		var rec ExperimentRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return NewError("delete experiment records", stepID, err)
		}
		if rec.StepID == stepID {
			delete(tx.m.experiments, id)
		}
	}
	return nil
}

func (tx *memoryTx) StripOverlayNode(templateID, nodeID string) error {
	for id, data := range tx.m.overlays {
		o, changed, err := stripOverlay(data, templateID, nodeID)
		if err != nil {
			return NewError("strip overlay", id, err)
		}
		if changed {
			tx.m.overlays[id] = o
		}
	}
	return nil
}

// stripOverlay removes nodeID from an encoded overlay of templateID and
// reports whether anything changed.
func stripOverlay(data []byte, templateID, nodeID string) ([]byte, bool, error) {
	var o Overlay
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, false, err
	}
	if o.TemplateID != templateID {
		return data, false, nil
	}
	if _, exists := o.Nodes[nodeID]; !exists {
		return data, false, nil
	}
	delete(o.Nodes, nodeID)
	out, err := json.Marshal(o)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}
