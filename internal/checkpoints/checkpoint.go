package checkpoints

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"
)

// ErrCheckpointNotFound is returned by stores for unknown keys
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// RunCheckpointer records run progress after every task
type RunCheckpointer struct {
	store Store
	now   func() time.Time
}

func NewRunCheckpointer(store Store) *RunCheckpointer {
	return &RunCheckpointer{
		store: store,
		now:   time.Now,
	}
}

func (rc *RunCheckpointer) Save(ctx context.Context, key Key, data *Progress) error {
	now := rc.now()
	created := now
	if prev, err := rc.store.Load(ctx, key); err == nil {
		created = prev.Meta.CreatedAt
	}

	cp := Checkpoint{
		Key: key,
		Meta: CheckpointMeta{
			CreatedAt: created,
			UpdatedAt: now,
			Status:    data.Status,
			Steps:     len(data.Completed),
		},
		Current:   data.Current,
		Completed: append([]string{}, data.Completed...),
		Results:   maps.Clone(data.Results),
		Error:     data.Error,
	}
	if cp.Results == nil {
		cp.Results = map[string]TaskRecord{}
	}

	if err := rc.store.Save(ctx, cp); err != nil {
		return fmt.Errorf("failed to save checkpoint for WorkflowID %s and RunID %s: %w", key.WorkflowID, key.RunID, err)
	}
	return nil
}

func (rc *RunCheckpointer) Load(ctx context.Context, key Key) (*Progress, error) {
	cp, err := rc.store.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for WorkflowID %s and RunID %s: %w", key.WorkflowID, key.RunID, err)
	}

	return &Progress{
		Current:   cp.Current,
		Status:    cp.Meta.Status,
		Completed: cp.Completed,
		Results:   cp.Results,
		Error:     cp.Error,
	}, nil
}

// History lists the checkpoints of a workflow's runs.
func (rc *RunCheckpointer) History(ctx context.Context, workflowID string) ([]Checkpoint, error) {
	return rc.store.List(ctx, workflowID)
}
