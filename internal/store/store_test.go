package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/checkpoints"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/graph"
)

func sampleDocument() graph.Document {
	return graph.Document{
		Nodes: []graph.Node{
			{ID: "A", Type: graph.PumpControl, Parameters: map[string]graph.Parameter{
				"flowRate": {Value: graph.Number(1.5), Required: true},
			}},
			{ID: "B", Type: graph.ValveControl},
		},
		Edges: []graph.Edge{{ID: "A->B", Source: "A", Target: "B", Kind: graph.Sequential}},
	}
}

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	bolt, err := OpenBolt(filepath.Join(t.TempDir(), "workflows.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	return map[string]Store{
		"Memory": NewMemoryStore(),
		"Bolt":   bolt,
	}
}

func TestStoreContract(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("LoadMissing", func(t *testing.T) {
				_, err := st.Load(ctx, "missing")
				require.ErrorIs(t, err, ErrNotFound)

				var perr *Error
				require.ErrorAs(t, err, &perr)
				require.Equal(t, "missing", perr.Key)
			})

			t.Run("SaveLoad", func(t *testing.T) {
				doc := sampleDocument()
				require.NoError(t, st.Save(ctx, "wf", doc))

				loaded, err := st.Load(ctx, "wf")
				require.NoError(t, err)
				require.Equal(t, doc, loaded)
			})

			t.Run("TransactionCommit", func(t *testing.T) {
				require.NoError(t, st.PutExperimentRecord(ctx, ExperimentRecord{ID: "r1", WorkflowID: "wf-tx", StepID: "A"}))
				require.NoError(t, st.PutExperimentRecord(ctx, ExperimentRecord{ID: "r2", WorkflowID: "wf-tx", StepID: "B"}))
				require.NoError(t, st.PutOverlay(ctx, Overlay{ID: "lab-1", TemplateID: "wf-tx", Nodes: map[string]map[string]any{
					"A": {"label": "custom"},
					"B": {"label": "kept"},
				}}))
				require.NoError(t, st.PutOverlay(ctx, Overlay{ID: "lab-2", TemplateID: "other", Nodes: map[string]map[string]any{
					"A": {"label": "untouched"},
				}}))

				err := st.Update(ctx, func(tx Tx) error {
					if err := tx.SaveWorkflow("wf-tx", graph.Document{Nodes: []graph.Node{{ID: "B", Type: graph.ValveControl}}}); err != nil {
						return err
					}
					if err := tx.DeleteExperimentRecords("A"); err != nil {
						return err
					}
					return tx.StripOverlayNode("wf-tx", "A")
				})
				require.NoError(t, err)

				recs, err := st.ExperimentRecords(ctx, "A")
				require.NoError(t, err)
				require.Empty(t, recs)
				recs, err = st.ExperimentRecords(ctx, "B")
				require.NoError(t, err)
				require.Len(t, recs, 1)

				o, err := st.Overlay(ctx, "lab-1")
				require.NoError(t, err)
				require.NotContains(t, o.Nodes, "A")
				require.Contains(t, o.Nodes, "B")

				o, err = st.Overlay(ctx, "lab-2")
				require.NoError(t, err)
				require.Contains(t, o.Nodes, "A")

				doc, err := st.Load(ctx, "wf-tx")
				require.NoError(t, err)
				require.Len(t, doc.Nodes, 1)
			})

			t.Run("TransactionRollback", func(t *testing.T) {
				require.NoError(t, st.Save(ctx, "wf-rb", sampleDocument()))
				require.NoError(t, st.PutExperimentRecord(ctx, ExperimentRecord{ID: "rb-1", StepID: "rb-step"}))

				boom := errors.New("boom")
				err := st.Update(ctx, func(tx Tx) error {
					if err := tx.SaveWorkflow("wf-rb", graph.Document{}); err != nil {
						return err
					}
					if err := tx.DeleteExperimentRecords("rb-step"); err != nil {
						return err
					}
					return boom
				})
				require.ErrorIs(t, err, boom)

				doc, err := st.Load(ctx, "wf-rb")
				require.NoError(t, err)
				require.Equal(t, sampleDocument(), doc)

				recs, err := st.ExperimentRecords(ctx, "rb-step")
				require.NoError(t, err)
				require.Len(t, recs, 1)
			})

			t.Run("OverlayMissing", func(t *testing.T) {
				_, err := st.Overlay(ctx, "nope")
				require.ErrorIs(t, err, ErrNotFound)
			})
		})
	}
}

func TestMemoryStoreClosed(t *testing.T) {
	t.Parallel()
	st := NewMemoryStore()
	require.NoError(t, st.Close())
	_, err := st.Load(context.Background(), "wf")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, st.Save(context.Background(), "wf", graph.Document{}), ErrClosed)
}

func TestUpdateHonorsCancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			err := st.Save(ctx, "wf", sampleDocument())
			require.ErrorIs(t, err, context.Canceled)
		})
	}
}

func TestBoltCheckpoints(t *testing.T) {
	t.Parallel()
	st, err := OpenBolt(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	runs := st.Checkpoints()

	_, err = runs.Load(ctx, checkpoints.Key{WorkflowID: "wf", RunID: "r"})
	require.ErrorIs(t, err, checkpoints.ErrCheckpointNotFound)

	rc := checkpoints.NewRunCheckpointer(runs)
	key := checkpoints.Key{WorkflowID: "wf", RunID: "run-1"}
	progress := &checkpoints.Progress{
		Current:   "A",
		Status:    checkpoints.StatusCompleted,
		Completed: []string{"A"},
		Results: map[string]checkpoints.TaskRecord{
			"A": {NodeID: "A", Success: true, Attempts: 1, Elapsed: time.Second},
		},
	}
	require.NoError(t, rc.Save(ctx, key, progress))
	require.NoError(t, rc.Save(ctx, checkpoints.Key{WorkflowID: "wf2", RunID: "run-1"}, &checkpoints.Progress{}))

	loaded, err := rc.Load(ctx, key)
	require.NoError(t, err)
	require.Equal(t, progress, loaded)

	history, err := rc.History(ctx, "wf")
	require.NoError(t, err)
	require.Len(t, history, 1)

	require.NoError(t, runs.Delete(ctx, key))
	_, err = runs.Load(ctx, key)
	require.Error(t, err)
}
