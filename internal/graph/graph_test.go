package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

//------------------//
// Helper Builders  //
//------------------//

func hotplate(id string, temperature Value) Node {
	return Node{
		ID:   id,
		Type: HotplateControl,
		Parameters: map[string]Parameter{
			"temperature": {Value: temperature, Required: true, Direction: Input},
			"duration":    {Value: Number(60)},
		},
	}
}

func pump(id string) Node {
	return Node{
		ID:   id,
		Type: PumpControl,
		Parameters: map[string]Parameter{
			"flowRate": {Value: Number(2.5), Required: true},
		},
	}
}

func edge(src, dst string) Edge {
	return Edge{ID: src + "->" + dst, Source: src, Target: dst}
}

func mustChain(t *testing.T, g *Graph, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, g.AddNode(pump(id)))
	}
	for i := 1; i < len(ids); i++ {
		ok, err := g.AddEdge(edge(ids[i-1], ids[i]))
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func orderIDs(nodes []Node) []string {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

func assertTopological(t *testing.T, g *Graph) {
	t.Helper()
	order := g.TopologicalOrder()
	require.Len(t, order, g.Len())

	pos := make(map[string]int, len(order))
	for i, n := range order {
		_, dup := pos[n.ID]
		require.False(t, dup, "node %s appears twice", n.ID)
		pos[n.ID] = i
	}
	for _, e := range g.Edges() {
		require.Less(t, pos[e.Source], pos[e.Target], "edge %s violates order", e.ID)
	}
}

//-----------------//
// Graph Structure //
//-----------------//

func TestAddNode(t *testing.T) {
	t.Parallel()

	t.Run("RejectsUnknownType", func(t *testing.T) {
		t.Parallel()
		g := NewGraph("nodes")
		err := g.AddNode(Node{ID: "x", Type: "Centrifuge"})
		require.ErrorIs(t, err, ErrUnknownOperation)

		var se *StructuralError
		require.ErrorAs(t, err, &se)
		require.Equal(t, "x", se.Node)
		require.Zero(t, g.Len())
	})

	t.Run("RejectsInvalidValue", func(t *testing.T) {
		t.Parallel()
		g := NewGraph("nodes")
		n := hotplate("hp", Value{Kind: KindNumber, Data: "hot"})
		require.ErrorIs(t, g.AddNode(n), ErrInvalidValue)

		sel := Node{ID: "v", Type: ValveControl, Parameters: map[string]Parameter{
			"position": {Value: Select("sideways", "open", "closed")},
		}}
		require.ErrorIs(t, g.AddNode(sel), ErrInvalidValue)
	})

	t.Run("ReplaceKeepsConnections", func(t *testing.T) {
		t.Parallel()
		g := NewGraph("nodes")
		mustChain(t, g, "A", "B")

		updated := pump("A")
		updated.Label = "primary pump"
		require.NoError(t, g.AddNode(updated))

		n, ok := g.Node("A")
		require.True(t, ok)
		require.Equal(t, "primary pump", n.Label)
		require.Equal(t, []string{"B"}, g.Successors("A"))
	})

	t.Run("NormalizesIntegers", func(t *testing.T) {
		t.Parallel()
		g := NewGraph("nodes")
		require.NoError(t, g.AddNode(hotplate("hp", Value{Kind: KindNumber, Data: 80})))
		n, _ := g.Node("hp")
		f, ok := n.Parameters["temperature"].Value.Float()
		require.True(t, ok)
		require.Equal(t, 80.0, f)
	})
}

func TestAddEdge(t *testing.T) {
	t.Parallel()

	t.Run("MissingEndpoint", func(t *testing.T) {
		t.Parallel()
		g := NewGraph("edges")
		require.NoError(t, g.AddNode(pump("A")))

		ok, err := g.AddEdge(edge("A", "ghost"))
		require.False(t, ok)
		require.ErrorIs(t, err, ErrNodeNotFound)
		require.Empty(t, g.Edges())
		require.Empty(t, g.Successors("A"))
	})

	t.Run("DuplicateID", func(t *testing.T) {
		t.Parallel()
		g := NewGraph("edges")
		mustChain(t, g, "A", "B")
		_, err := g.AddEdge(edge("A", "B"))
		require.ErrorIs(t, err, ErrDuplicateEdge)
	})

	t.Run("SelfLoopRejected", func(t *testing.T) {
		t.Parallel()
		g := NewGraph("edges")
		require.NoError(t, g.AddNode(pump("A")))
		ok, err := g.AddEdge(edge("A", "A"))
		require.NoError(t, err)
		require.False(t, ok)
		require.Empty(t, g.Edges())
	})

	t.Run("InvalidCondition", func(t *testing.T) {
		t.Parallel()
		g := NewGraph("edges")
		mustChain(t, g, "A", "B")
		_, err := g.AddEdge(Edge{ID: "c", Source: "A", Target: "B", Kind: Conditional,
			Config: map[string]any{ConditionKey: "flowRate =~ 'x'"}})
		require.ErrorIs(t, err, ErrInvalidEdge)

		ok, err := g.AddEdge(Edge{ID: "c", Source: "A", Target: "B", Kind: Conditional,
			Config: map[string]any{ConditionKey: "flowRate > 1"}})
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("MultiEdges", func(t *testing.T) {
		t.Parallel()
		g := NewGraph("edges")
		mustChain(t, g, "A", "B")
		ok, err := g.AddEdge(Edge{ID: "second", Source: "A", Target: "B", Kind: Parallel})
		require.NoError(t, err)
		require.True(t, ok)
		require.Len(t, g.Edges(), 2)

		require.NoError(t, g.RemoveEdge("second"))
		require.Equal(t, []string{"B"}, g.Successors("A"))
		require.Equal(t, []string{"A"}, g.Predecessors("B"))

		require.NoError(t, g.RemoveEdge("A->B"))
		require.Empty(t, g.Successors("A"))
		require.Empty(t, g.Predecessors("B"))
	})
}

func TestCycleRejectionLeavesGraphUnchanged(t *testing.T) {
	t.Parallel()
	g := NewGraph("cycle")
	mustChain(t, g, "A", "B", "C")

	before, err := g.ToJSON()
	require.NoError(t, err)

	ok, err := g.AddEdge(edge("C", "A"))
	require.NoError(t, err)
	require.False(t, ok)

	after, err := g.ToJSON()
	require.NoError(t, err)
	require.JSONEq(t, string(before), string(after))
	require.Empty(t, g.Successors("C"))
	require.Empty(t, g.Predecessors("A"))
	require.Equal(t, []string{"A", "B", "C"}, orderIDs(g.TopologicalOrder()))
}

func TestRandomDAGsStayAcyclic(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 20; round++ {
		g := NewGraph(fmt.Sprintf("random-%d", round))
		const n = 12
		for i := 0; i < n; i++ {
			require.NoError(t, g.AddNode(pump(fmt.Sprintf("n%02d", i))))
		}
		for i := 0; i < 40; i++ {
			src := fmt.Sprintf("n%02d", rng.Intn(n))
			dst := fmt.Sprintf("n%02d", rng.Intn(n))
			e := Edge{ID: fmt.Sprintf("e%d", i), Source: src, Target: dst}

			wouldCycle := src == dst || g.reachable(dst, src)
			ok, err := g.AddEdge(e)
			require.NoError(t, err)
			require.Equal(t, !wouldCycle, ok)
		}
		assertTopological(t, g)
	}
}

func TestRemoveNode(t *testing.T) {
	t.Parallel()
	g := NewGraph("remove")
	mustChain(t, g, "A", "B", "C")
	ok, err := g.AddEdge(edge("A", "C"))
	require.NoError(t, err)
	require.True(t, ok)

	var events []Event
	cancel := g.Subscribe(func(e Event) { events = append(events, e) })
	defer cancel()

	require.NoError(t, g.RemoveNode("B"))

	require.False(t, g.HasNode("B"))
	for _, e := range g.Edges() {
		require.NotEqual(t, "B", e.Source)
		require.NotEqual(t, "B", e.Target)
	}
	require.Empty(t, g.Predecessors("B"))
	require.Empty(t, g.Successors("B"))
	require.Equal(t, []string{"C"}, g.Successors("A"))
	require.Equal(t, []string{"A"}, g.Predecessors("C"))

	require.Len(t, events, 3)
	require.Equal(t, NodeRemoved, events[2].Kind)

	require.ErrorIs(t, g.RemoveNode("B"), ErrNodeNotFound)
	require.ErrorIs(t, g.RemoveEdge("nope"), ErrEdgeNotFound)
}

func TestTopologicalOrderDiamond(t *testing.T) {
	t.Parallel()
	g := NewGraph("diamond")
	for _, id := range []string{"A", "B", "C", "D"} {
		require.NoError(t, g.AddNode(pump(id)))
	}
	for _, e := range []Edge{edge("A", "B"), edge("A", "C"), edge("B", "D"), edge("C", "D")} {
		ok, err := g.AddEdge(e)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Equal(t, []string{"A", "C", "B", "D"}, orderIDs(g.TopologicalOrder()))
	assertTopological(t, g)
}

//------------//
// Validation //
//------------//

func TestValidate(t *testing.T) {
	t.Parallel()

	t.Run("Empty", func(t *testing.T) {
		t.Parallel()
		report := NewGraph("empty").Validate()
		require.True(t, report.IsValid)
		require.Empty(t, report.Errors)
	})

	t.Run("SingleNodeIsolated", func(t *testing.T) {
		t.Parallel()
		g := NewGraph("single")
		require.NoError(t, g.AddNode(pump("A")))

		report := g.Validate()
		require.False(t, report.IsValid)
		require.Len(t, report.Errors, 1)
		require.Equal(t, IssueIsolated, report.Errors[0].Kind)

		require.NoError(t, g.AddNode(pump("B")))
		ok, err := g.AddEdge(edge("A", "B"))
		require.NoError(t, err)
		require.True(t, ok)
		require.True(t, g.Validate().IsValid)
	})

	t.Run("MissingRequiredParameter", func(t *testing.T) {
		t.Parallel()
		g := NewGraph("missing")
		require.NoError(t, g.AddNode(hotplate("A", Value{})))
		require.NoError(t, g.AddNode(pump("B")))
		ok, err := g.AddEdge(edge("A", "B"))
		require.NoError(t, err)
		require.True(t, ok)

		report := g.Validate()
		require.False(t, report.IsValid)
		require.Len(t, report.Errors, 1)
		require.Equal(t, IssueMissingParameter, report.Errors[0].Kind)
		require.Equal(t, "A", report.Errors[0].NodeID)
		require.Equal(t, "temperature", report.Errors[0].Parameter)

		require.NoError(t, g.UpdateParameter("A", "temperature", Number(80)))
		require.True(t, g.Validate().IsValid)
	})

	t.Run("AccumulatesAllIssues", func(t *testing.T) {
		t.Parallel()
		g := NewGraph("many")
		require.NoError(t, g.AddNode(hotplate("A", Value{})))
		require.NoError(t, g.AddNode(hotplate("B", Value{})))

		report := g.Validate()
		require.Len(t, report.Errors, 4)
	})

	t.Run("RequiredWhen", func(t *testing.T) {
		t.Parallel()
		g := NewGraph("rules")
		n := Node{ID: "S", Type: SensorNode, Parameters: map[string]Parameter{
			"mode":      {Value: Select("threshold", "continuous", "threshold")},
			"threshold": {RequiredWhen: "mode == 'threshold'"},
		}}
		require.NoError(t, g.AddNode(n))
		require.NoError(t, g.AddNode(pump("P")))
		_, err := g.AddEdge(edge("S", "P"))
		require.NoError(t, err)

		report := g.Validate()
		require.Len(t, report.Errors, 1)
		require.Equal(t, "threshold", report.Errors[0].Parameter)

		require.NoError(t, g.UpdateParameter("S", "mode", Select("continuous", "continuous", "threshold")))
		require.True(t, g.Validate().IsValid)
	})
}

//-----------------------//
// Updates & Subscribers //
//-----------------------//

func TestUpdateNode(t *testing.T) {
	t.Parallel()
	g := NewGraph("update")
	require.NoError(t, g.AddNode(hotplate("hp", Number(25))))

	var got []Event
	cancel := g.Subscribe(func(e Event) { got = append(got, e) })

	label := "Reflux"
	require.NoError(t, g.UpdateNode("hp", NodePatch{
		Label:      &label,
		Tags:       []string{"heating"},
		Parameters: map[string]Value{"temperature": Number(90), "stirringSpeed": Number(300)},
	}))

	n, _ := g.Node("hp")
	require.Equal(t, "Reflux", n.Label)
	require.Equal(t, []string{"heating"}, n.Tags)
	require.Equal(t, 90.0, n.Parameters["temperature"].Value.Data)
	require.True(t, n.Parameters["temperature"].Required)
	require.Equal(t, 300.0, n.Parameters["stirringSpeed"].Value.Data)
	require.Equal(t, []Event{{Kind: NodeUpdated, NodeID: "hp"}}, got)

	// A bad value leaves the node untouched.
	err := g.UpdateNode("hp", NodePatch{Parameters: map[string]Value{
		"temperature": Number(10),
		"duration":    {Kind: KindNumber, Data: "long"},
	}})
	require.ErrorIs(t, err, ErrInvalidValue)
	n, _ = g.Node("hp")
	require.Equal(t, 90.0, n.Parameters["temperature"].Value.Data)

	cancel()
	require.NoError(t, g.UpdateParameter("hp", "temperature", Number(50)))
	require.Len(t, got, 1)

	require.ErrorIs(t, g.UpdateNode("missing", NodePatch{}), ErrNodeNotFound)
}

func TestNodeCopiesAreIndependent(t *testing.T) {
	t.Parallel()
	g := NewGraph("copies")
	require.NoError(t, g.AddNode(hotplate("hp", Number(25))))

	n, _ := g.Node("hp")
	n.Parameters["temperature"] = Parameter{Value: Number(1000)}

	again, _ := g.Node("hp")
	require.Equal(t, 25.0, again.Parameters["temperature"].Value.Data)
}

//---------------//
// Serialization //
//---------------//

func buildSample(t *testing.T) *Graph {
	t.Helper()
	g := NewGraph("sample")
	require.NoError(t, g.AddNode(hotplate("A", Number(80))))
	require.NoError(t, g.AddNode(pump("B")))
	require.NoError(t, g.AddNode(Node{ID: "C", Type: DataProcessing, Tags: []string{"analysis"},
		Parameters: map[string]Parameter{
			"operation": {Value: Select("mean", "mean", "max")},
			"values":    {Value: Array(1.0, 2.0, 3.0)},
			"meta":      {Value: Object(map[string]any{"unit": "C"})},
			"enabled":   {Value: Bool(true)},
			"name":      {Value: String("run")},
		}}))
	for _, e := range []Edge{
		edge("A", "B"),
		{ID: "B->C", Source: "B", Target: "C", Kind: Conditional, Config: map[string]any{ConditionKey: "enabled == true"}},
	} {
		ok, err := g.AddEdge(e)
		require.NoError(t, err)
		require.True(t, ok)
	}
	return g
}

func TestJSONRoundTrip(t *testing.T) {
	t.Parallel()
	g := buildSample(t)

	data, err := g.ToJSON()
	require.NoError(t, err)

	restored, err := FromJSON(data)
	require.NoError(t, err)
	require.Equal(t, g.Nodes(), restored.Nodes())
	require.Equal(t, g.Edges(), restored.Edges())
	require.Equal(t, orderIDs(g.TopologicalOrder()), orderIDs(restored.TopologicalOrder()))
	require.Equal(t, g.Successors("A"), restored.Successors("A"))
	require.Equal(t, g.Predecessors("C"), restored.Predecessors("C"))
}

func TestUnmarshalJSON(t *testing.T) {
	t.Parallel()
	g := buildSample(t)
	data, err := json.Marshal(g)
	require.NoError(t, err)

	var restored Graph
	require.NoError(t, json.Unmarshal(data, &restored))
	require.NotEmpty(t, restored.ID())
	require.Equal(t, g.Nodes(), restored.Nodes())
	require.Equal(t, g.Edges(), restored.Edges())
	require.Equal(t, orderIDs(g.TopologicalOrder()), orderIDs(restored.TopologicalOrder()))

	target := NewGraph("target", WithGraphID("wf-target"))
	require.NoError(t, target.AddNode(pump("old")))
	require.NoError(t, json.Unmarshal(data, target))
	require.Equal(t, "wf-target", target.ID())
	require.False(t, target.HasNode("old"))
	require.Equal(t, g.Predecessors("C"), target.Predecessors("C"))

	bad := `{"nodes":[{"id":"A","type":"PumpControl"},{"id":"B","type":"PumpControl"}],"edges":[` +
		`{"id":"e1","source":"A","target":"B"},{"id":"e2","source":"B","target":"A"}]}`
	err = json.Unmarshal([]byte(bad), target)
	require.ErrorIs(t, err, ErrCyclicDependency)
	require.Equal(t, g.Nodes(), target.Nodes())
}

func TestYAMLRoundTrip(t *testing.T) {
	t.Parallel()
	g := buildSample(t)

	data, err := g.ToYAML()
	require.NoError(t, err)

	restored, err := FromYAML(data)
	require.NoError(t, err)
	require.Equal(t, g.Nodes(), restored.Nodes())
	require.Equal(t, orderIDs(g.TopologicalOrder()), orderIDs(restored.TopologicalOrder()))
}

func TestFromDocumentRejectsCycles(t *testing.T) {
	t.Parallel()
	doc := Document{
		Nodes: []Node{pump("A"), pump("B")},
		Edges: []Edge{edge("A", "B"), edge("B", "A")},
	}
	_, err := FromDocument(doc)
	require.ErrorIs(t, err, ErrCyclicDependency)

	doc.Edges = []Edge{edge("A", "Z")}
	_, err = FromDocument(doc)
	require.ErrorIs(t, err, ErrNodeNotFound)
}

//---------------//
// IDs & Display //
//---------------//

func TestIDGeneratorIsPerGraph(t *testing.T) {
	t.Parallel()
	g1 := NewGraph("one")
	g2 := NewGraph("two")

	require.Equal(t, "pumpcontrol_1", g1.NewNodeID(PumpControl))
	require.Equal(t, "pumpcontrol_1", g2.NewNodeID(PumpControl))

	require.NoError(t, g1.AddNode(pump("pumpcontrol_2")))
	require.Equal(t, "pumpcontrol_3", g1.NewNodeID(PumpControl))

	require.NoError(t, g1.AddNode(pump("pumpcontrol_3")))
	e, ok, err := g1.Connect("pumpcontrol_2", "pumpcontrol_3", Sequential)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "e_pumpcontrol_2_pumpcontrol_3_4", e.ID)

	u := NewIDGenerator(WithUUIDs())
	require.NotEqual(t, u.NodeID(FileInput), u.NodeID(FileInput))
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()
	g := buildSample(t)
	c := g.Clone()
	require.NoError(t, c.RemoveNode("B"))

	require.True(t, g.HasNode("B"))
	require.Equal(t, []string{"B"}, g.Successors("A"))
	require.Len(t, g.Edges(), 2)
	require.Empty(t, c.Edges())
}

func TestPrintGraph(t *testing.T) {
	t.Parallel()
	g := buildSample(t)

	var buf bytes.Buffer
	g.PrintGraph(&buf)
	out := buf.String()
	require.Contains(t, out, "* A [HotplateControl]")
	require.Contains(t, out, "A --> B")
	require.Contains(t, out, "B --[enabled == true]--> C")

	info := g.GetGraphInfo()
	require.Len(t, info.Nodes, 3)
	require.True(t, info.Nodes[2].Leaf)
}
