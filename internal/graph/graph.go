package graph

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"
)

const defaultGraphName = "workflow"

// Graph is the in-memory workflow DAG. It keeps the node map, the edge map
// and forward/reverse adjacency mutually consistent and rejects any edge that
// would close a cycle.
//
// Graph has no internal locking; callers serialize mutations.
type Graph struct {
	graphID string
	nodes   map[string]Node
	edges   map[string]Edge

	// adjacency counts edges per ordered pair so parallel edges between the
	// same nodes can be removed one at a time
	forward map[string]map[string]int
	reverse map[string]map[string]int

	ids         *IDGenerator
	subscribers map[int]Subscriber
	nextSub     int
}

// Option configures a Graph
type Option func(*Graph)

// WithGraphID sets a custom graph ID
func WithGraphID(id string) Option {
	return func(g *Graph) {
		g.graphID = id
	}
}

// WithIDGenerator shares an ID generator with the graph
func WithIDGenerator(ids *IDGenerator) Option {
	return func(g *Graph) {
		g.ids = ids
	}
}

// NewGraph creates an empty graph.
func NewGraph(name string, opts ...Option) *Graph {
	graphName := defaultGraphName
	if name != "" {
		graphName = name
	}

	g := &Graph{
		nodes:       make(map[string]Node),
		edges:       make(map[string]Edge),
		forward:     make(map[string]map[string]int),
		reverse:     make(map[string]map[string]int),
		subscribers: make(map[int]Subscriber),
	}
	for _, o := range opts {
		o(g)
	}
	if g.graphID == "" {
		g.graphID = fmt.Sprintf("%s-%s", strings.ReplaceAll(graphName, " ", "-"), uuid.New().String())
	}
	if g.ids == nil {
		g.ids = NewIDGenerator()
	}
	return g
}

// ID returns the graph ID
func (g *Graph) ID() string {
	return g.graphID
}

// IDs returns the graph's ID generator
func (g *Graph) IDs() *IDGenerator {
	return g.ids
}

// NewNodeID returns an identifier for a node of type t that is not yet in use.
func (g *Graph) NewNodeID(t OperationType) string {
	for {
		id := g.ids.NodeID(t)
		if _, exists := g.nodes[id]; !exists {
			return id
		}
	}
}

// NewEdgeID returns an identifier for an edge that is not yet in use.
func (g *Graph) NewEdgeID(source, target string) string {
	for {
		id := g.ids.EdgeID(source, target)
		if _, exists := g.edges[id]; !exists {
			return id
		}
	}
}

// AddNode inserts or replaces a node. Adjacency entries are created empty
// and existing connections of a replaced node are kept.
func (g *Graph) AddNode(node Node) error {
	n, err := normalizeNode(node)
	if err != nil {
		return NewStructuralError("add node", node.ID, err)
	}

	_, replaced := g.nodes[n.ID]
	g.nodes[n.ID] = n
	if g.forward[n.ID] == nil {
		g.forward[n.ID] = make(map[string]int)
	}
	if g.reverse[n.ID] == nil {
		g.reverse[n.ID] = make(map[string]int)
	}

	if replaced {
		g.notify(Event{Kind: NodeUpdated, NodeID: n.ID})
	} else {
		g.notify(Event{Kind: NodeAdded, NodeID: n.ID})
	}
	return nil
}

// AddEdge inserts an edge unless it would create a cycle. It returns false,
// with the graph unchanged, when Source is reachable from Target (including
// a self-loop). Malformed edges are rejected with a StructuralError.
func (g *Graph) AddEdge(edge Edge) (bool, error) {
	e, err := normalizeEdge(edge)
	if err != nil {
		return false, NewStructuralError("add edge", edge.ID, err)
	}
	if _, exists := g.edges[e.ID]; exists {
		return false, NewStructuralError("add edge", e.ID, ErrDuplicateEdge)
	}
	if _, exists := g.nodes[e.Source]; !exists {
		return false, NewStructuralError("add edge", e.Source, fmt.Errorf("source: %w", ErrNodeNotFound))
	}
	if _, exists := g.nodes[e.Target]; !exists {
		return false, NewStructuralError("add edge", e.Target, fmt.Errorf("target: %w", ErrNodeNotFound))
	}

	if g.reachable(e.Target, e.Source) {
		return false, nil
	}

	g.edges[e.ID] = e
	g.forward[e.Source][e.Target]++
	g.reverse[e.Target][e.Source]++

	g.notify(Event{Kind: EdgeAdded, EdgeID: e.ID, NodeID: e.Target})
	return true, nil
}

// Connect adds an edge of the given kind with a generated ID.
func (g *Graph) Connect(source, target string, kind EdgeKind) (Edge, bool, error) {
	e := Edge{ID: g.NewEdgeID(source, target), Source: source, Target: target, Kind: kind}
	ok, err := g.AddEdge(e)
	if err != nil || !ok {
		return Edge{}, ok, err
	}
	return g.edges[e.ID], true, nil
}

// reachable reports whether to can be reached from from along forward edges.
func (g *Graph) reachable(from, to string) bool {
	visited := make(map[string]bool)
	stack := []string{from}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current == to {
			return true
		}
		if visited[current] {
			continue
		}
		visited[current] = true
		for next := range g.forward[current] {
			if !visited[next] {
				stack = append(stack, next)
			}
		}
	}
	return false
}

// RemoveEdge deletes an edge and its adjacency entries.
func (g *Graph) RemoveEdge(edgeID string) error {
	e, exists := g.edges[edgeID]
	if !exists {
		return NewStructuralError("remove edge", edgeID, ErrEdgeNotFound)
	}

	delete(g.edges, edgeID)
	decrement(g.forward[e.Source], e.Target)
	decrement(g.reverse[e.Target], e.Source)

	g.notify(Event{Kind: EdgeRemoved, EdgeID: edgeID, NodeID: e.Target})
	return nil
}

func decrement(set map[string]int, key string) {
	if set == nil {
		return
	}
	if set[key] <= 1 {
		delete(set, key)
		return
	}
	set[key]--
}

// RemoveNode deletes a node together with every edge touching it.
func (g *Graph) RemoveNode(id string) error {
	if _, exists := g.nodes[id]; !exists {
		return NewStructuralError("remove node", id, ErrNodeNotFound)
	}

	for _, e := range g.Edges() {
		if e.Source == id || e.Target == id {
			if err := g.RemoveEdge(e.ID); err != nil {
				return err
			}
		}
	}

	delete(g.nodes, id)
	delete(g.forward, id)
	delete(g.reverse, id)
	for _, set := range g.forward {
		delete(set, id)
	}
	for _, set := range g.reverse {
		delete(set, id)
	}

	g.notify(Event{Kind: NodeRemoved, NodeID: id})
	return nil
}

// UpdateNode applies a property edit. All values are validated before any
// change is made.
func (g *Graph) UpdateNode(id string, patch NodePatch) error {
	current, exists := g.nodes[id]
	if !exists {
		return NewStructuralError("update node", id, ErrNodeNotFound)
	}

	next := cloneNode(current)
	if patch.Label != nil {
		next.Label = *patch.Label
	}
	if patch.Tags != nil {
		next.Tags = append([]string(nil), patch.Tags...)
	}
	for name, v := range patch.Parameters {
		if next.Parameters == nil {
			next.Parameters = make(map[string]Parameter)
		}
		p := next.Parameters[name]
		p.Value = v
		next.Parameters[name] = p
	}

	n, err := normalizeNode(next)
	if err != nil {
		return NewStructuralError("update node", id, err)
	}
	g.nodes[id] = n
	g.notify(Event{Kind: NodeUpdated, NodeID: id})
	return nil
}

// UpdateParameter sets a single parameter value.
func (g *Graph) UpdateParameter(nodeID, name string, v Value) error {
	return g.UpdateNode(nodeID, NodePatch{Parameters: map[string]Value{name: v}})
}

// HasNode reports whether id is in the graph
func (g *Graph) HasNode(id string) bool {
	_, exists := g.nodes[id]
	return exists
}

// Node returns a copy of the node with the given ID.
func (g *Graph) Node(id string) (Node, bool) {
	n, exists := g.nodes[id]
	if !exists {
		return Node{}, false
	}
	return cloneNode(n), true
}

// Edge returns the edge with the given ID.
func (g *Graph) Edge(id string) (Edge, bool) {
	e, exists := g.edges[id]
	if !exists {
		return Edge{}, false
	}
	e.Config = maps.Clone(e.Config)
	return e, true
}

// Nodes returns copies of all nodes ordered by ID.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.nodes))
	for _, id := range g.nodeIDs() {
		out = append(out, cloneNode(g.nodes[id]))
	}
	return out
}

// Edges returns all edges ordered by ID.
func (g *Graph) Edges() []Edge {
	ids := slices.Sorted(maps.Keys(g.edges))
	out := make([]Edge, 0, len(ids))
	for _, id := range ids {
		e := g.edges[id]
		e.Config = maps.Clone(e.Config)
		out = append(out, e)
	}
	return out
}

// Len returns the number of nodes
func (g *Graph) Len() int {
	return len(g.nodes)
}

func (g *Graph) nodeIDs() []string {
	return slices.Sorted(maps.Keys(g.nodes))
}

// Predecessors returns the direct dependencies of id, sorted.
func (g *Graph) Predecessors(id string) []string {
	return slices.Sorted(maps.Keys(g.reverse[id]))
}

// Successors returns the direct dependents of id, sorted.
func (g *Graph) Successors(id string) []string {
	return slices.Sorted(maps.Keys(g.forward[id]))
}

// TopologicalOrder returns every node exactly once such that for every edge
// the source precedes the target. It is a depth-first reverse postorder with
// roots and successors visited in ID order, so the result is deterministic.
func (g *Graph) TopologicalOrder() []Node {
	visited := make(map[string]bool, len(g.nodes))
	postorder := make([]string, 0, len(g.nodes))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, next := range g.Successors(id) {
			visit(next)
		}
		postorder = append(postorder, id)
	}

	for _, id := range g.nodeIDs() {
		visit(id)
	}

	order := make([]Node, 0, len(postorder))
	for i := len(postorder) - 1; i >= 0; i-- {
		order = append(order, cloneNode(g.nodes[postorder[i]]))
	}
	return order
}

// Clone returns a deep copy sharing the ID generator. Subscribers are not
// copied.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		graphID:     g.graphID,
		nodes:       make(map[string]Node, len(g.nodes)),
		edges:       make(map[string]Edge, len(g.edges)),
		forward:     make(map[string]map[string]int, len(g.forward)),
		reverse:     make(map[string]map[string]int, len(g.reverse)),
		ids:         g.ids,
		subscribers: make(map[int]Subscriber),
	}
	for id, n := range g.nodes {
		c.nodes[id] = cloneNode(n)
	}
	for id, e := range g.edges {
		e.Config = maps.Clone(e.Config)
		c.edges[id] = e
	}
	for id, set := range g.forward {
		c.forward[id] = maps.Clone(set)
	}
	for id, set := range g.reverse {
		c.reverse[id] = maps.Clone(set)
	}
	return c
}
