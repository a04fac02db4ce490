// Package workflow binds a graph to its persisted form. Every structural edit
// is applied to a copy of the graph, written to the store and only then made
// visible, so the in-memory graph and the store never disagree.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/ctxlog"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/graph"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/store"
)

// ErrWorkflowNotFound is returned by Load when the store has no document for
// the workflow
var ErrWorkflowNotFound = errors.New("workflow not found")

// errRejected aborts a mutation without saving and without an error.
var errRejected = errors.New("mutation rejected")

// Manager owns the live graph of one workflow.
type Manager struct {
	mu          sync.Mutex
	workflowID  string
	store       store.Store
	graph       *graph.Graph
	ids         *graph.IDGenerator
	subscribers map[int]graph.Subscriber
	nextSub     int
}

// Option configures a Manager
type Option func(*Manager)

// WithIDGenerator sets the ID generator shared by every graph the manager
// loads
func WithIDGenerator(ids *graph.IDGenerator) Option {
	return func(m *Manager) {
		m.ids = ids
	}
}

// NewManager creates a manager with an empty graph.
func NewManager(workflowID string, st store.Store, opts ...Option) *Manager {
	m := &Manager{
		workflowID:  workflowID,
		store:       st,
		subscribers: make(map[int]graph.Subscriber),
	}
	for _, o := range opts {
		o(m)
	}
	if m.ids == nil {
		m.ids = graph.NewIDGenerator()
	}
	m.graph = m.newGraph()
	return m
}

func (m *Manager) newGraph() *graph.Graph {
	return graph.NewGraph(m.workflowID, graph.WithGraphID(m.workflowID), graph.WithIDGenerator(m.ids))
}

// WorkflowID returns the managed workflow's ID
func (m *Manager) WorkflowID() string {
	return m.workflowID
}

// Load replaces the live graph with the stored document. When nothing is
// stored the manager keeps an empty graph and returns ErrWorkflowNotFound.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger := ctxlog.FromContext(ctx).With("workflow", m.workflowID)

	doc, err := m.store.Load(ctx, m.workflowID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Debug("No stored workflow, starting empty")
			m.graph = m.newGraph()
			return fmt.Errorf("%w: %s: %w", ErrWorkflowNotFound, m.workflowID, err)
		}
		return err
	}

	g, err := graph.FromDocument(doc, graph.WithGraphID(m.workflowID), graph.WithIDGenerator(m.ids))
	if err != nil {
		return store.NewError("load workflow", m.workflowID, err)
	}
	m.graph = g
	logger.Debug("Workflow loaded", "nodes", len(doc.Nodes), "edges", len(doc.Edges))
	return nil
}

// Save writes the live graph.
func (m *Manager) Save(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Save(ctx, m.workflowID, m.graph.ToDocument())
}

// mutate applies fn to a copy of the graph, persists the copy and swaps it
// in. Events raised on the copy are published after the swap.
func (m *Manager) mutate(ctx context.Context, op string, fn func(g *graph.Graph) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.graph.Clone()
	var events []graph.Event
	cancel := next.Subscribe(func(e graph.Event) { events = append(events, e) })
	err := fn(next)
	cancel()
	if err != nil {
		return err
	}

	if err := m.store.Save(ctx, m.workflowID, next.ToDocument()); err != nil {
		ctxlog.FromContext(ctx).Error("Failed to persist workflow edit", "workflow", m.workflowID, "op", op, "error", err)
		return err
	}

	m.commit(next, events)
	return nil
}

func (m *Manager) commit(next *graph.Graph, events []graph.Event) {
	m.graph = next
	for _, e := range events {
		for _, fn := range m.subscribers {
			fn(e)
		}
	}
}

// AddNode inserts or replaces a node and persists the graph.
func (m *Manager) AddNode(ctx context.Context, node graph.Node) error {
	return m.mutate(ctx, "add node", func(g *graph.Graph) error {
		return g.AddNode(node)
	})
}

// AddEdge adds an edge and persists the graph. A cycle-closing edge returns
// false without touching the store.
func (m *Manager) AddEdge(ctx context.Context, edge graph.Edge) (bool, error) {
	err := m.mutate(ctx, "add edge", func(g *graph.Graph) error {
		ok, err := g.AddEdge(edge)
		if err != nil {
			return err
		}
		if !ok {
			return errRejected
		}
		return nil
	})
	if errors.Is(err, errRejected) {
		return false, nil
	}
	return err == nil, err
}

// NewNodeID returns an unused node ID from the manager's generator.
func (m *Manager) NewNodeID(t graph.OperationType) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.graph.NewNodeID(t)
}

// Connect adds an edge with a generated ID.
func (m *Manager) Connect(ctx context.Context, source, target string, kind graph.EdgeKind) (graph.Edge, bool, error) {
	var added graph.Edge
	err := m.mutate(ctx, "connect", func(g *graph.Graph) error {
		e, ok, err := g.Connect(source, target, kind)
		if err != nil {
			return err
		}
		if !ok {
			return errRejected
		}
		added = e
		return nil
	})
	if errors.Is(err, errRejected) {
		return graph.Edge{}, false, nil
	}
	return added, err == nil, err
}

// RemoveEdge deletes an edge and persists the graph.
func (m *Manager) RemoveEdge(ctx context.Context, edgeID string) error {
	return m.mutate(ctx, "remove edge", func(g *graph.Graph) error {
		return g.RemoveEdge(edgeID)
	})
}

// UpdateNode applies a property edit and persists the graph.
func (m *Manager) UpdateNode(ctx context.Context, nodeID string, patch graph.NodePatch) error {
	return m.mutate(ctx, "update node", func(g *graph.Graph) error {
		return g.UpdateNode(nodeID, patch)
	})
}

// RemoveNode deletes a node and everything referencing it as one
// transaction: the updated workflow document, the node's experiment records
// and the node's entry in every laboratory overlay of this workflow. If any
// step fails nothing changes, in the store or in memory.
func (m *Manager) RemoveNode(ctx context.Context, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger := ctxlog.FromContext(ctx).With("workflow", m.workflowID, "node", nodeID)

	next := m.graph.Clone()
	var events []graph.Event
	cancel := next.Subscribe(func(e graph.Event) { events = append(events, e) })
	err := next.RemoveNode(nodeID)
	cancel()
	if err != nil {
		return err
	}

	err = m.store.Update(ctx, func(tx store.Tx) error {
		if err := tx.SaveWorkflow(m.workflowID, next.ToDocument()); err != nil {
			return err
		}
		if err := tx.DeleteExperimentRecords(nodeID); err != nil {
			return err
		}
		return tx.StripOverlayNode(m.workflowID, nodeID)
	})
	if err != nil {
		logger.Error("Node removal rolled back", "error", err)
		return store.NewError("remove node", nodeID, err)
	}

	m.commit(next, events)
	logger.Info("Node removed")
	return nil
}

// Validate runs graph validation on the live graph
func (m *Manager) Validate() graph.ValidationReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.graph.Validate()
}

// ExecutionOrder returns the nodes in topological order
func (m *Manager) ExecutionOrder() []graph.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.graph.TopologicalOrder()
}

// Dependencies returns the direct predecessors of a node
func (m *Manager) Dependencies(nodeID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.graph.Predecessors(nodeID)
}

// Graph returns an independent copy of the live graph
func (m *Manager) Graph() *graph.Graph {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.graph.Clone()
}

// Document returns the live graph's serialized form
func (m *Manager) Document() graph.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.graph.ToDocument()
}

// Subscribe registers fn for events from committed edits. fn runs while the
// manager is locked and must not call back into it.
func (m *Manager) Subscribe(fn graph.Subscriber) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}
