package compiler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/graph"
)

func sampleGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.NewGraph("sample", graph.WithGraphID("wf-1"))
	nodes := []graph.Node{
		{ID: "heat", Type: graph.HotplateControl, Tags: []string{"thermal"}, Parameters: map[string]graph.Parameter{
			"temperature": {Value: graph.Number(80)},
			"duration":    {},
		}},
		{ID: "avg", Type: graph.DataProcessing, Parameters: map[string]graph.Parameter{
			"operation": {Value: graph.Select("mean", "mean", "max")},
			"data":      {Value: graph.Array(1, 2, 3)},
		}},
		{ID: "save", Type: graph.FileOutput, Parameters: map[string]graph.Parameter{
			"path": {Value: graph.String("out.json")},
		}},
	}
	for _, n := range nodes {
		require.NoError(t, g.AddNode(n))
	}
	for _, e := range []graph.Edge{
		{ID: "e1", Source: "heat", Target: "avg"},
		{ID: "e2", Source: "avg", Target: "save", Kind: graph.Conditional, Config: map[string]any{"condition": "path != ''"}},
	} {
		ok, err := g.AddEdge(e)
		require.NoError(t, err)
		require.True(t, ok)
	}
	return g
}

func TestCompile(t *testing.T) {
	t.Parallel()
	c := New(WithDefaultTags("lab", "acl"), WithRetryPolicy(RetryPolicy{MaxRetries: 2, RetryDelay: 5 * time.Second}))

	plan, err := c.Compile(Metadata{Name: "Synthesis", Tags: []string{"lab", "batch-7"}}, sampleGraph(t))
	require.NoError(t, err)
	require.Equal(t, "wf-1", plan.WorkflowID)
	require.Equal(t, []string{"acl", "batch-7", "lab"}, plan.Tags)
	require.Len(t, plan.Tasks, 3)

	heat, ok := plan.Task("heat")
	require.True(t, ok)
	require.Equal(t, "HotplateControl_heat", heat.Name)
	require.Equal(t, map[string]any{
		"temperature": float64(80),
		"duration":    nil,
		"nodeId":      "heat",
		"nodeType":    "HotplateControl",
	}, heat.Parameters)
	require.Equal(t, 2, heat.Retries)
	require.Equal(t, 5*time.Second, heat.RetryDelay)
	require.Equal(t, []string{"acl", "batch-7", "lab", "thermal"}, heat.Tags)
	require.Empty(t, heat.CacheKey)
	require.Empty(t, heat.Upstream)

	avg, _ := plan.Task("avg")
	require.True(t, avg.Cacheable())
	require.Len(t, avg.CacheKey, 64)
	require.Equal(t, []string{"heat"}, avg.Upstream)

	save, _ := plan.Task("save")
	require.False(t, save.Cacheable())
	require.Equal(t, []string{"avg"}, save.Upstream)
	require.Equal(t, []string{"path != ''"}, save.Conditions)
}

func TestDefaultRetryPolicy(t *testing.T) {
	t.Parallel()
	plan, err := New().Compile(Metadata{}, sampleGraph(t))
	require.NoError(t, err)
	for _, task := range plan.Tasks {
		require.Equal(t, 3, task.Retries)
		require.Equal(t, 30*time.Second, task.RetryDelay)
	}
}

func TestConvertToPlan(t *testing.T) {
	t.Parallel()
	nodes := []graph.Node{
		{ID: "b", Type: graph.PumpControl},
		{ID: "a", Type: graph.ValveControl},
	}

	tests := []struct {
		name        string
		connections []graph.Edge
		wantErr     error
		upstream    []string
	}{
		{
			name:     "NoConnections",
			upstream: []string{},
		},
		{
			name: "MultiEdgeKeepsBothEntries",
			connections: []graph.Edge{
				{ID: "1", Source: "a", Target: "b"},
				{ID: "2", Source: "a", Target: "b", Kind: graph.Parallel},
			},
			upstream: []string{"a", "a"},
		},
		{
			name:        "UnknownTarget",
			connections: []graph.Edge{{ID: "x", Source: "a", Target: "ghost"}},
			wantErr:     graph.ErrNodeNotFound,
		},
		{
			name:        "UnknownSource",
			connections: []graph.Edge{{ID: "x", Source: "ghost", Target: "b"}},
			wantErr:     graph.ErrNodeNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			plan, err := New().ConvertToPlan(Metadata{WorkflowID: "wf"}, nodes, tt.connections)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				var serr *graph.StructuralError
				require.ErrorAs(t, err, &serr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "a", plan.Tasks[0].NodeID)
			b, _ := plan.Task("b")
			require.Equal(t, tt.upstream, b.Upstream)
		})
	}

	t.Run("DuplicateNode", func(t *testing.T) {
		t.Parallel()
		_, err := New().ConvertToPlan(Metadata{}, append(nodes, graph.Node{ID: "a", Type: graph.PumpControl}), nil)
		require.ErrorIs(t, err, graph.ErrInvalidNode)
	})
}

func TestCacheKey(t *testing.T) {
	t.Parallel()
	params := map[string]any{"operation": "mean", "data": []any{1.0, 2.0}}

	k1, err := CacheKey(graph.DataProcessing, "n1", params)
	require.NoError(t, err)
	k2, err := CacheKey(graph.DataProcessing, "n1", map[string]any{"data": []any{1.0, 2.0}, "operation": "mean"})
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	k3, err := CacheKey(graph.DataProcessing, "n2", params)
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)

	// field boundaries are unambiguous
	k4, err := CacheKey(graph.OperationType("DataProcessingn"), "1", params)
	require.NoError(t, err)
	require.NotEqual(t, k1, k4)
}

func TestPlanExport(t *testing.T) {
	t.Parallel()
	plan, err := New().Compile(Metadata{Name: "Synthesis", Version: "1"}, sampleGraph(t))
	require.NoError(t, err)

	t.Run("JSON", func(t *testing.T) {
		t.Parallel()
		data, err := plan.ToJSON()
		require.NoError(t, err)
		require.Contains(t, string(data), `"workflowId": "wf-1"`)

		decoded, err := FromJSON(data)
		require.NoError(t, err)
		require.Equal(t, plan.Metadata, decoded.Metadata)
		require.Len(t, decoded.Tasks, 3)
		avg, _ := decoded.Task("avg")
		want, _ := plan.Task("avg")
		require.Equal(t, want.CacheKey, avg.CacheKey)
		require.Equal(t, want.RetryDelay, avg.RetryDelay)
	})

	t.Run("YAML", func(t *testing.T) {
		t.Parallel()
		data, err := plan.ToYAML()
		require.NoError(t, err)
		require.Contains(t, string(data), "retryDelay: 30s")

		decoded, err := FromYAML(data)
		require.NoError(t, err)
		require.Equal(t, plan.Metadata, decoded.Metadata)
		save, _ := decoded.Task("save")
		require.Equal(t, []string{"avg"}, save.Upstream)
		require.Equal(t, []string{"path != ''"}, save.Conditions)
	})

	t.Run("BadInput", func(t *testing.T) {
		t.Parallel()
		_, err := FromJSON([]byte("{"))
		require.Error(t, err)
	})
}
