// Package executor turns a task's parameters into device commands or data
// operations. Device executors follow three phases: allocate the device,
// issue commands, release the device whatever happened.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/ctxlog"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/device"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/graph"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/resource"
)

var (
	ErrUnknownNodeType  = errors.New("unknown node type")
	ErrInvalidParameter = errors.New("invalid parameter")
)

// Result is the outcome of one task.
type Result struct {
	NodeID     string         `json:"nodeId"`
	Success    bool           `json:"success"`
	Payload    map[string]any `json:"payload,omitempty"`
	Err        error          `json:"-"`
	Error      string         `json:"error,omitempty"`
	Elapsed    time.Duration  `json:"elapsed"`
	ResourceID string         `json:"resourceId,omitempty"`
	Attempts   int            `json:"attempts"`
	Skipped    bool           `json:"skipped,omitempty"`
	CacheHit   bool           `json:"cacheHit,omitempty"`
}

// Executor runs one task.
type Executor interface {
	Execute(ctx context.Context, params map[string]any) (Result, error)
}

// Allocator is the part of the resource allocator executors use.
type Allocator interface {
	Allocate(ctx context.Context, nodeID string, req resource.Request) (resource.Handle, error)
	Release(ctx context.Context, h resource.Handle) error
}

// Deps are the collaborators handed to every executor.
type Deps struct {
	Allocator Allocator
	Gateway   device.Gateway
	Files     Files
	// AllocationTimeout bounds the wait for a device; zero uses the
	// allocator default.
	AllocationTimeout time.Duration
	// MaxWait caps duration-based waits.
	MaxWait time.Duration
}

// Constructor builds the executor of one node.
type Constructor func(nodeID string, deps Deps) Executor

// Factory maps operation types to constructors.
type Factory struct {
	mu    sync.RWMutex
	deps  Deps
	ctors map[graph.OperationType]Constructor
}

// NewFactory returns a factory with every built-in operation registered.
func NewFactory(deps Deps) *Factory {
	f := &Factory{
		deps:  deps,
		ctors: make(map[graph.OperationType]Constructor),
	}
	f.Register(graph.HotplateControl, NewHotplate)
	f.Register(graph.PumpControl, NewPump)
	f.Register(graph.ValveControl, NewValve)
	f.Register(graph.SensorNode, NewSensor)
	f.Register(graph.DataProcessing, NewDataProcessing)
	f.Register(graph.FileInput, NewFileInput)
	f.Register(graph.FileOutput, NewFileOutput)
	return f
}

// Register adds or replaces the constructor for t.
func (f *Factory) Register(t graph.OperationType, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[t] = c
}

// New builds the executor for a node of type t.
func (f *Factory) New(t graph.OperationType, nodeID string) (Executor, error) {
	f.mu.RLock()
	c, ok := f.ctors[t]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNodeType, t)
	}
	return c(nodeID, f.deps), nil
}

// Types lists the registered operation types.
func (f *Factory) Types() []graph.OperationType {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]graph.OperationType, 0, len(f.ctors))
	for t := range f.ctors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type base struct {
	nodeID string
	opType graph.OperationType
}

// HandleError logs a failed execution and returns err unchanged.
func (b base) HandleError(ctx context.Context, err error) error {
	ctxlog.FromContext(ctx).Error("Task execution failed", "node", b.nodeID, "type", b.opType, "error", err)
	return err
}

func (b base) result(payload map[string]any) Result {
	return Result{NodeID: b.nodeID, Success: true, Payload: payload}
}

// wait blocks for d, capped by limit, or until ctx is done.
func wait(ctx context.Context, d, limit time.Duration) error {
	if limit > 0 && d > limit {
		d = limit
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
