package checkpoints

import (
	"context"
	"time"
)

// Status of a flow run
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Key identifies one run of one workflow
type Key struct {
	WorkflowID string `json:"workflowId"`
	RunID      string `json:"runId"`
}

// TaskRecord is the persisted outcome of a single task.
type TaskRecord struct {
	NodeID     string         `json:"nodeId"`
	Success    bool           `json:"success"`
	Skipped    bool           `json:"skipped,omitempty"`
	CacheHit   bool           `json:"cacheHit,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Error      string         `json:"error,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`
	ResourceID string         `json:"resourceId,omitempty"`
	Elapsed    time.Duration  `json:"elapsed"`
}

// CheckpointMeta carries bookkeeping about a checkpoint
type CheckpointMeta struct {
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Status    Status    `json:"status"`
	Steps     int       `json:"steps"`
}

// Checkpoint is the stored progress of a run
type Checkpoint struct {
	Key       Key                   `json:"key"`
	Meta      CheckpointMeta        `json:"meta"`
	Current   string                `json:"current,omitempty"`
	Completed []string              `json:"completed"`
	Results   map[string]TaskRecord `json:"results"`
	Error     string                `json:"error,omitempty"`
}

// Store persists checkpoints
type Store interface {
	Save(ctx context.Context, checkpoint Checkpoint) error
	Load(ctx context.Context, key Key) (*Checkpoint, error)
	List(ctx context.Context, workflowID string) ([]Checkpoint, error)
	Delete(ctx context.Context, key Key) error
}

// Progress is what the runner reports after each task
type Progress struct {
	Current   string
	Status    Status
	Completed []string
	Results   map[string]TaskRecord
	Error     string
}
