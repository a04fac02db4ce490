package app

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/checkpoints"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/compiler"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/config"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/device"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/graph"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, level, format string
		debugVisible        bool
		infoVisible         bool
	}{
		{"DebugText", "debug", "text", true, true},
		{"InfoJSON", "info", "json", false, true},
		{"Warn", "warn", "text", false, false},
		{"UnknownFallsBackToInfo", "loud", "text", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			logger := NewLogger(tt.level, tt.format, &buf)

			logger.Debug("debug line")
			require.Equal(t, tt.debugVisible, bytes.Contains(buf.Bytes(), []byte("debug line")))
			logger.Info("info line")
			require.Equal(t, tt.infoVisible, bytes.Contains(buf.Bytes(), []byte("info line")))
		})
	}

	var buf bytes.Buffer
	NewLogger("info", "json", &buf).Info("hello", "node", "A")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "A", rec["node"])
}

func heatThenRead(t *testing.T, s *Stack, workflowID string) *compiler.Plan {
	t.Helper()
	ctx := s.Context(context.Background())
	m, err := s.Workflows.Get(ctx, workflowID)
	require.NoError(t, err)

	require.NoError(t, m.AddNode(ctx, graph.Node{
		ID:   "heat",
		Type: graph.HotplateControl,
		Parameters: map[string]graph.Parameter{
			"temperature": {Value: graph.Number(60), Required: true},
		},
	}))
	require.NoError(t, m.AddNode(ctx, graph.Node{
		ID:   "read",
		Type: graph.SensorNode,
		Parameters: map[string]graph.Parameter{
			"sensorType": {Value: graph.String("temperature"), Required: true},
		},
	}))
	_, ok, err := m.Connect(ctx, "heat", "read", graph.Sequential)
	require.NoError(t, err)
	require.True(t, ok)

	plan, err := s.Compiler.Compile(compiler.Metadata{Name: "heat then read"}, m.Graph())
	require.NoError(t, err)
	return plan
}

func TestMemoryStackRunsWorkflow(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.DefaultTags = []string{"bench"}
	sim := device.NewSimulator()

	var logs bytes.Buffer
	s, err := NewStack(context.Background(), cfg, &logs, WithDeviceGateway(sim))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	plan := heatThenRead(t, s, "wf-1")
	require.Equal(t, "wf-1", plan.WorkflowID)
	require.Equal(t, []string{"bench"}, plan.Tasks[0].Tags)
	require.Equal(t, cfg.Retry.MaxRetries, plan.Tasks[0].Retries)

	ctx := s.Context(context.Background())
	runID := s.Runner.NewRunID()
	results, err := s.Runner.Execute(ctx, plan, runID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Empty(t, sim.Outstanding())

	progress, err := s.Runner.Progress(ctx, "wf-1", runID)
	require.NoError(t, err)
	require.Equal(t, checkpoints.StatusCompleted, progress.Status)
	require.Equal(t, []string{"heat", "read"}, progress.Completed)
	require.Contains(t, logs.String(), "Flow run completed")
}

func TestBoltStackPersists(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Store = config.Store{Driver: config.StoreBolt, Path: filepath.Join(t.TempDir(), "lab.db")}

	s, err := NewStack(context.Background(), cfg, &bytes.Buffer{})
	require.NoError(t, err)
	plan := heatThenRead(t, s, "wf-bolt")
	ctx := s.Context(context.Background())
	_, err = s.Runner.ExecuteFlow(ctx, plan)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewStack(context.Background(), cfg, &bytes.Buffer{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, reopened.Close()) })

	m, err := reopened.Workflows.Get(ctx, "wf-bolt")
	require.NoError(t, err)
	require.Equal(t, 2, m.Graph().Len())

	history, err := reopened.Runner.History(ctx, "wf-bolt")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, checkpoints.StatusCompleted, history[0].Meta.Status)
}

type stubModel struct{}

func (stubModel) GenerateContent(context.Context, []llms.MessageContent, ...llms.CallOption) (*llms.ContentResponse, error) {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: `{"nodes":[{"id":"v","type":"ValveControl"}]}`}}}, nil
}

func (m stubModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, opts...)
}

func TestDrafter(t *testing.T) {
	t.Parallel()
	s, err := NewStack(context.Background(), config.Default(), &bytes.Buffer{})
	require.NoError(t, err)
	_, err = s.Drafter()
	require.ErrorIs(t, err, ErrAssistantDisabled)
	require.NoError(t, s.Close())

	s, err = NewStack(context.Background(), config.Default(), &bytes.Buffer{}, WithModel(stubModel{}))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	d, err := s.Drafter()
	require.NoError(t, err)
	draft, err := d.Draft(context.Background(), "open the valve")
	require.NoError(t, err)
	require.True(t, draft.Graph.HasNode("v"))
}

func TestInvalidConfigRejected(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Store.Driver = "postgres"
	_, err := NewStack(context.Background(), cfg, &bytes.Buffer{})
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}
