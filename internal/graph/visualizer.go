package graph

import (
	"fmt"
	"io"
)

// Info represents the graph structure for display
type Info struct {
	Nodes []NodeInfo
	Edges []EdgeInfo
}

type NodeInfo struct {
	ID    string
	Type  OperationType
	Label string
	Root  bool
	Leaf  bool
}

type EdgeInfo struct {
	ID        string
	From      string
	To        string
	Kind      EdgeKind
	Condition string
}

func (g *Graph) GetGraphInfo() *Info {
	info := &Info{
		Nodes: make([]NodeInfo, 0, len(g.nodes)),
	}

	for _, n := range g.TopologicalOrder() {
		info.Nodes = append(info.Nodes, NodeInfo{
			ID:    n.ID,
			Type:  n.Type,
			Label: n.Label,
			Root:  len(g.reverse[n.ID]) == 0,
			Leaf:  len(g.forward[n.ID]) == 0,
		})
	}

	for _, e := range g.Edges() {
		info.Edges = append(info.Edges, EdgeInfo{
			ID:        e.ID,
			From:      e.Source,
			To:        e.Target,
			Kind:      e.Kind,
			Condition: e.Condition(),
		})
	}

	return info
}

func (g *Graph) PrintGraph(w io.Writer) {
	info := g.GetGraphInfo()

	fmt.Fprintln(w, "Workflow Structure:")
	fmt.Fprintln(w, "Nodes:")
	for _, node := range info.Nodes {
		marker := "-"
		if node.Root {
			marker = "*"
		}
		if node.Label != "" {
			fmt.Fprintf(w, "  %s %s [%s] %q\n", marker, node.ID, node.Type, node.Label)
		} else {
			fmt.Fprintf(w, "  %s %s [%s]\n", marker, node.ID, node.Type)
		}
	}

	fmt.Fprintln(w, "\nEdges:")
	for _, edge := range info.Edges {
		switch edge.Kind {
		case Conditional:
			fmt.Fprintf(w, "  %s --[%s]--> %s\n", edge.From, edge.Condition, edge.To)
		case Parallel:
			fmt.Fprintf(w, "  %s ==parallel==> %s\n", edge.From, edge.To)
		default:
			fmt.Fprintf(w, "  %s --> %s\n", edge.From, edge.To)
		}
	}
}
