// Package flow is the embeddable facade over the workflow engine: a fluent
// builder for laboratory workflows and an App that compiles and runs them.
package flow

import (
	"fmt"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/graph"
)

// Builder is the top-level DSL object. Wraps an engine graph.
type Builder struct {
	name  string
	graph *graph.Graph
	err   error
}

// NewBuilder creates an empty workflow.
func NewBuilder(name string, opts ...graph.Option) *Builder {
	return &Builder{name: name, graph: graph.NewGraph(name, opts...)}
}

// Name returns the workflow name
func (b *Builder) Name() string {
	return b.name
}

// Graph returns a copy of the built graph, or the first error recorded by
// any step.
func (b *Builder) Graph() (*graph.Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.graph.Clone(), nil
}

func (b *Builder) fail(err error) error {
	if b.err == nil {
		b.err = err
	}
	return err
}

// ensureNode adds n unless a node with its ID is already present.
func (b *Builder) ensureNode(n graph.Node) error {
	if b.graph.HasNode(n.ID) {
		return nil
	}
	if err := b.graph.AddNode(n); err != nil {
		return fmt.Errorf("cannot add node %q: %w", n.ID, err)
	}
	return nil
}

func (b *Builder) connect(source, target string, kind graph.EdgeKind, cond string) error {
	e := graph.Edge{ID: b.graph.NewEdgeID(source, target), Source: source, Target: target, Kind: kind}
	if cond != "" {
		e.Config = map[string]any{graph.ConditionKey: cond}
	}
	ok, err := b.graph.AddEdge(e)
	if err != nil {
		return fmt.Errorf("connect %s -> %s: %w", source, target, err)
	}
	if !ok {
		return fmt.Errorf("connect %s -> %s: %w", source, target, graph.ErrCyclicDependency)
	}
	return nil
}

// Add starts a chain at node n.
func (b *Builder) Add(n graph.Node) *Step {
	if err := b.ensureNode(n); err != nil {
		return &Step{b: b, err: b.fail(err)}
	}
	return &Step{b: b, nodeID: n.ID}
}

// Step references the node a chain has reached.
type Step struct {
	b      *Builder
	nodeID string
	err    error
}

func (s *Step) Err() error {
	return s.err
}

// NodeID returns the node this step points at
func (s *Step) NodeID() string {
	return s.nodeID
}

// Then runs next after the current node.
func (s *Step) Then(next graph.Node) *Step {
	return s.link(next, graph.Sequential, "")
}

// ThenIf runs next after the current node only when condition holds over
// next's parameters.
func (s *Step) ThenIf(condition string, next graph.Node) *Step {
	return s.link(next, graph.Conditional, condition)
}

func (s *Step) link(next graph.Node, kind graph.EdgeKind, cond string) *Step {
	if s.err != nil {
		return s
	}
	if err := s.b.ensureNode(next); err != nil {
		return &Step{b: s.b, err: s.b.fail(err)}
	}
	if err := s.b.connect(s.nodeID, next.ID, kind, cond); err != nil {
		return &Step{b: s.b, err: s.b.fail(err)}
	}
	return &Step{b: s.b, nodeID: next.ID}
}

// ThenAll forks into nodes that only depend on the current node.
func (s *Step) ThenAll(nodes ...graph.Node) *Fork {
	f := &Fork{b: s.b, err: s.err}
	if f.err != nil {
		return f
	}
	for _, n := range nodes {
		if err := s.b.ensureNode(n); err != nil {
			f.err = s.b.fail(fmt.Errorf("[ThenAll]: %w", err))
			return f
		}
		if err := s.b.connect(s.nodeID, n.ID, graph.Parallel, ""); err != nil {
			f.err = s.b.fail(fmt.Errorf("[ThenAll]: %w", err))
			return f
		}
		f.branches = append(f.branches, n.ID)
	}
	return f
}

// Fork holds the branches opened by ThenAll.
type Fork struct {
	b        *Builder
	branches []string
	err      error
}

// Join continues the chain at n once every branch is done.
func (f *Fork) Join(n graph.Node) *Step {
	if f.err != nil {
		return &Step{b: f.b, err: f.err}
	}
	if err := f.b.ensureNode(n); err != nil {
		return &Step{b: f.b, err: f.b.fail(fmt.Errorf("[Join]: %w", err))}
	}
	for _, branch := range f.branches {
		if err := f.b.connect(branch, n.ID, graph.Sequential, ""); err != nil {
			return &Step{b: f.b, err: f.b.fail(fmt.Errorf("[Join]: %w", err))}
		}
	}
	return &Step{b: f.b, nodeID: n.ID}
}
