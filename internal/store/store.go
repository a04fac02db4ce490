// Package store persists workflow documents together with the records that
// reference workflow steps: experiment data keyed by step and laboratory
// customization overlays keyed by template.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/graph"
)

var (
	// ErrNotFound is returned when a workflow, overlay or record does not exist
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("store is closed")
)

// Error is the persistence error type.
type Error struct {
	// Op is the operation that failed
	Op string
	// Key is the workflow, overlay or step identifier involved
	Key string
	// Err is the underlying error
	Err error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("persistence error: %s: '%s': %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("persistence error: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new persistence Error
func NewError(op, key string, err error) error {
	return &Error{Op: op, Key: key, Err: err}
}

// ExperimentRecord is data captured while a workflow step ran.
type ExperimentRecord struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflowId"`
	StepID     string         `json:"stepId"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Overlay is a laboratory's customization of a workflow template. Nodes maps
// a node ID to the overridden properties of that node.
type Overlay struct {
	ID         string                    `json:"id"`
	TemplateID string                    `json:"templateId"`
	Nodes      map[string]map[string]any `json:"nodes,omitempty"`
}

// Tx is the write surface available inside Update. All writes in one Update
// call commit together or not at all.
type Tx interface {
	SaveWorkflow(workflowID string, doc graph.Document) error
	DeleteExperimentRecords(stepID string) error
	StripOverlayNode(templateID, nodeID string) error
}

// Store is the persistence collaborator.
type Store interface {
	Load(ctx context.Context, workflowID string) (graph.Document, error)
	Save(ctx context.Context, workflowID string, doc graph.Document) error
	Update(ctx context.Context, fn func(Tx) error) error

	PutExperimentRecord(ctx context.Context, rec ExperimentRecord) error
	ExperimentRecords(ctx context.Context, stepID string) ([]ExperimentRecord, error)
	PutOverlay(ctx context.Context, o Overlay) error
	Overlay(ctx context.Context, id string) (Overlay, error)

	Close() error
}
