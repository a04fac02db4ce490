package graph

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Document is the serialized form of a graph. Adjacency is not stored; it is
// rebuilt from the edges.
type Document struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
}

// ToDocument snapshots the nodes and edges, both ordered by ID.
func (g *Graph) ToDocument() Document {
	return Document{Nodes: g.Nodes(), Edges: g.Edges()}
}

// FromDocument rebuilds a graph by adding every node and then every edge.
// A stored edge that is dangling or would close a cycle fails the load.
func FromDocument(doc Document, opts ...Option) (*Graph, error) {
	g := NewGraph("", opts...)
	for _, n := range doc.Nodes {
		if err := g.AddNode(n); err != nil {
			return nil, err
		}
	}
	for _, e := range doc.Edges {
		ok, err := g.AddEdge(e)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, NewStructuralError("load edge", e.ID, ErrCyclicDependency)
		}
	}
	return g, nil
}

// MarshalJSON implements json.Marshaler
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.ToDocument())
}

// UnmarshalJSON implements json.Unmarshaler. The decoded document replaces
// the nodes and edges; the graph ID, ID generator and subscribers are kept.
// On error the graph is unchanged.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to decode workflow JSON: %w", err)
	}
	var opts []Option
	if g.graphID != "" {
		opts = append(opts, WithGraphID(g.graphID))
	}
	if g.ids != nil {
		opts = append(opts, WithIDGenerator(g.ids))
	}
	loaded, err := FromDocument(doc, opts...)
	if err != nil {
		return err
	}
	subscribers, nextSub := g.subscribers, g.nextSub
	*g = *loaded
	if subscribers != nil {
		g.subscribers, g.nextSub = subscribers, nextSub
	}
	return nil
}

// ToJSON serializes the graph document.
func (g *Graph) ToJSON() ([]byte, error) {
	return json.Marshal(g.ToDocument())
}

// FromJSON parses a JSON document into a new graph.
func FromJSON(data []byte, opts ...Option) (*Graph, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode workflow JSON: %w", err)
	}
	return FromDocument(doc, opts...)
}

// ToYAML serializes the graph document as YAML.
func (g *Graph) ToYAML() ([]byte, error) {
	return yaml.Marshal(g.ToDocument())
}

// FromYAML parses a YAML document into a new graph.
func FromYAML(data []byte, opts ...Option) (*Graph, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode workflow YAML: %w", err)
	}
	return FromDocument(doc, opts...)
}
