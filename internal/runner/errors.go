package runner

import (
	"errors"
	"fmt"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/executor"
)

var (
	ErrUnknownNodeType      = executor.ErrUnknownNodeType
	ErrUpstreamNotCompleted = errors.New("upstream task not completed")
	ErrCyclicPlan           = errors.New("plan contains a dependency cycle")
	ErrNoCheckpoints        = errors.New("runner has no checkpoint store")
)

// ExecutionError is a failure of one task.
type ExecutionError struct {
	Op   string
	Node string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s failed for task %s: %v", e.Op, e.Node, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// FlowError stops a run. Results holds the tasks that finished before the
// failure.
type FlowError struct {
	WorkflowID string
	RunID      string
	Node       string
	Err        error
	Results    map[string]executor.Result
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("flow %s (run %s) stopped at %s: %v", e.WorkflowID, e.RunID, e.Node, e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}
