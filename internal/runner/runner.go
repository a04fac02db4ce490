// Package runner executes compiled plans. A run is sequential and fail-fast:
// tasks start in dependency order, one at a time, and the first failure
// stops the run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/checkpoints"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/compiler"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/condition"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/ctxlog"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/executor"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/resource"
)

// Backoff grows the delay between attempts of a task.
type Backoff struct {
	Multiplier float64
	MaxDelay   time.Duration
}

var DefaultBackoff = Backoff{Multiplier: 2, MaxDelay: 5 * time.Minute}

// ResourceReleaser frees the devices a cancelled run still holds. Devices
// held by other runs are left alone.
type ResourceReleaser interface {
	ReleaseRun(ctx context.Context, runID string) error
}

// EventKind is the lifecycle stage reported to observers.
type EventKind string

const (
	TaskStarted   EventKind = "started"
	TaskRetrying  EventKind = "retrying"
	TaskCompleted EventKind = "completed"
	TaskSkipped   EventKind = "skipped"
	TaskFailed    EventKind = "failed"
)

// Event describes progress of one task.
type Event struct {
	Kind    EventKind
	RunID   string
	NodeID  string
	Attempt int
	Err     error
}

// Runner executes plans with executors from its factory.
type Runner struct {
	factory     *executor.Factory
	releaser    ResourceReleaser
	checkpoints *checkpoints.RunCheckpointer
	cache       Cache
	backoff     Backoff
	observer    func(Event)
	newRunID    func() string
}

// Option configures a Runner
type Option func(*Runner)

// WithReleaser makes cancelled runs release the devices they still hold.
func WithReleaser(r ResourceReleaser) Option {
	return func(rn *Runner) {
		rn.releaser = r
	}
}

// WithCheckpoints records run progress after every task.
func WithCheckpoints(store checkpoints.Store) Option {
	return func(rn *Runner) {
		rn.checkpoints = checkpoints.NewRunCheckpointer(store)
	}
}

func WithCache(c Cache) Option {
	return func(rn *Runner) {
		rn.cache = c
	}
}

func WithBackoff(b Backoff) Option {
	return func(rn *Runner) {
		if b.Multiplier < 1 {
			b.Multiplier = 1
		}
		rn.backoff = b
	}
}

// WithObserver receives task events. It is called on the run's goroutine.
func WithObserver(fn func(Event)) Option {
	return func(rn *Runner) {
		rn.observer = fn
	}
}

func WithRunIDs(fn func() string) Option {
	return func(rn *Runner) {
		rn.newRunID = fn
	}
}

func New(factory *executor.Factory, opts ...Option) *Runner {
	r := &Runner{
		factory:  factory,
		backoff:  DefaultBackoff,
		newRunID: uuid.NewString,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// NewRunID returns an ID for a run started with Execute.
func (r *Runner) NewRunID() string {
	return r.newRunID()
}

// ExecuteFlow runs plan under a fresh run ID.
func (r *Runner) ExecuteFlow(ctx context.Context, plan *compiler.Plan) (map[string]executor.Result, error) {
	return r.Execute(ctx, plan, r.newRunID())
}

// ExecuteAll runs independent plans concurrently. Each run is sequential;
// they share only the devices. Results are returned in plan order.
func (r *Runner) ExecuteAll(ctx context.Context, plans ...*compiler.Plan) ([]map[string]executor.Result, error) {
	out := make([]map[string]executor.Result, len(plans))
	var g errgroup.Group
	for i, p := range plans {
		g.Go(func() error {
			res, err := r.ExecuteFlow(ctx, p)
			out[i] = res
			return err
		})
	}
	return out, g.Wait()
}

// Order returns the tasks so that every task follows its upstream tasks.
// It is the depth-first reverse postorder of graph.TopologicalOrder, with
// roots and dependents visited in node ID order, so a plan runs in the order
// its graph reports. Upstream IDs missing from the plan are left for Execute
// to report.
func Order(plan *compiler.Plan) ([]compiler.Task, error) {
	index := plan.Index()
	dependents := make(map[string][]string, len(index))
	for id, task := range index {
		for _, up := range task.Upstream {
			if _, ok := index[up]; ok {
				dependents[up] = append(dependents[up], id)
			}
		}
	}
	for id, next := range dependents {
		slices.Sort(next)
		dependents[id] = slices.Compact(next)
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(index))
	postorder := make([]string, 0, len(index))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return &ExecutionError{Op: "order", Node: id, Err: ErrCyclicPlan}
		}
		state[id] = visiting
		for _, next := range dependents[id] {
			if err := visit(next); err != nil {
				return err
			}
		}
		state[id] = done
		postorder = append(postorder, id)
		return nil
	}

	for _, id := range slices.Sorted(maps.Keys(index)) {
		if err := visit(id); err != nil {
			return nil, err
		}
	}

	order := make([]compiler.Task, 0, len(postorder))
	for i := len(postorder) - 1; i >= 0; i-- {
		order = append(order, index[postorder[i]])
	}
	return order, nil
}

type run struct {
	*Runner
	plan     *compiler.Plan
	key      checkpoints.Key
	results  map[string]executor.Result
	progress checkpoints.Progress
}

// Execute runs plan under runID and returns every task result. On failure
// the error is a *FlowError holding the results of the tasks that finished.
func (r *Runner) Execute(ctx context.Context, plan *compiler.Plan, runID string) (map[string]executor.Result, error) {
	logger := ctxlog.FromContext(ctx).With("workflow", plan.WorkflowID, "run", runID)
	ctx = ctxlog.WithLogger(ctx, logger)
	ctx = resource.WithRun(ctx, plan.WorkflowID+"/"+runID)

	rn := &run{
		Runner:  r,
		plan:    plan,
		key:     checkpoints.Key{WorkflowID: plan.WorkflowID, RunID: runID},
		results: make(map[string]executor.Result, len(plan.Tasks)),
		progress: checkpoints.Progress{
			Status:    checkpoints.StatusRunning,
			Completed: []string{},
			Results:   map[string]checkpoints.TaskRecord{},
		},
	}

	order, err := Order(plan)
	if err != nil {
		return nil, rn.fail(ctx, "", err)
	}

	logger.Info("Flow run started", "tasks", len(order))
	rn.checkpoint(ctx)

	for _, task := range order {
		if err := ctx.Err(); err != nil {
			return rn.results, rn.cancel(ctx, task.NodeID, err)
		}
		for _, up := range task.Upstream {
			if _, ok := rn.results[up]; !ok {
				return rn.results, rn.fail(ctx, task.NodeID, &ExecutionError{
					Op:   "upstream",
					Node: task.NodeID,
					Err:  fmt.Errorf("%w: %s", ErrUpstreamNotCompleted, up),
				})
			}
		}

		res, err := rn.step(ctx, task)
		if err != nil {
			if ctx.Err() != nil {
				return rn.results, rn.cancel(ctx, task.NodeID, err)
			}
			return rn.results, rn.fail(ctx, task.NodeID, err)
		}
		rn.record(ctx, res)
	}

	rn.progress.Status = checkpoints.StatusCompleted
	rn.progress.Current = ""
	rn.checkpoint(ctx)
	logger.Info("Flow run completed", "tasks", len(rn.results))
	return rn.results, nil
}

// step decides between skip, cache and execution for one task.
func (rn *run) step(ctx context.Context, task compiler.Task) (executor.Result, error) {
	for _, cond := range task.Conditions {
		ok, err := condition.EvalBool(cond, task.Parameters)
		if err != nil {
			return executor.Result{}, &ExecutionError{Op: "condition", Node: task.NodeID, Err: err}
		}
		if !ok {
			ctxlog.FromContext(ctx).Info("Task skipped", "node", task.NodeID, "condition", cond)
			rn.emit(Event{Kind: TaskSkipped, RunID: rn.key.RunID, NodeID: task.NodeID})
			return executor.Result{NodeID: task.NodeID, Success: true, Skipped: true}, nil
		}
	}

	if rn.cache != nil && task.Cacheable() {
		if res, ok := rn.cache.Get(ctx, task.CacheKey); ok {
			ctxlog.FromContext(ctx).Debug("Task result served from cache", "node", task.NodeID)
			res.NodeID = task.NodeID
			res.CacheHit = true
			res.Attempts = 0
			res.Elapsed = 0
			rn.emit(Event{Kind: TaskCompleted, RunID: rn.key.RunID, NodeID: task.NodeID})
			return res, nil
		}
	}

	res, err := rn.executeTask(ctx, task)
	if err != nil {
		return res, err
	}
	if rn.cache != nil && task.Cacheable() {
		rn.cache.Put(ctx, task.CacheKey, res)
	}
	return res, nil
}

// executeTask runs the task's executor, retrying up to task.Retries times.
func (rn *run) executeTask(ctx context.Context, task compiler.Task) (executor.Result, error) {
	logger := ctxlog.FromContext(ctx).With("node", task.NodeID, "type", task.Type)

	ex, err := rn.factory.New(task.Type, task.NodeID)
	if err != nil {
		return executor.Result{}, &ExecutionError{Op: "executor", Node: task.NodeID, Err: err}
	}

	attempts := task.Retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		rn.emit(Event{Kind: TaskStarted, RunID: rn.key.RunID, NodeID: task.NodeID, Attempt: attempt})
		logger.Debug("Executing task", "attempt", attempt)

		start := time.Now()
		res, err := ex.Execute(ctx, task.Parameters)
		if err == nil {
			res.NodeID = task.NodeID
			res.Success = true
			res.Attempts = attempt
			res.Elapsed = time.Since(start)
			logger.Info("Task completed", "attempt", attempt, "elapsed", res.Elapsed)
			rn.emit(Event{Kind: TaskCompleted, RunID: rn.key.RunID, NodeID: task.NodeID, Attempt: attempt})
			return res, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			delay := rn.calculateBackoff(task.RetryDelay, attempt)
			logger.Warn("Task failed, retrying", "attempt", attempt, "delay", delay, "error", err)
			rn.emit(Event{Kind: TaskRetrying, RunID: rn.key.RunID, NodeID: task.NodeID, Attempt: attempt, Err: err})
			select {
			case <-ctx.Done():
				return executor.Result{}, &ExecutionError{Op: "execute", Node: task.NodeID, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}
	}

	return executor.Result{}, &ExecutionError{
		Op:   "execute",
		Node: task.NodeID,
		Err:  fmt.Errorf("execution failed after %d attempts: %w", attempts, lastErr),
	}
}

// calculateBackoff grows base by the multiplier per attempt, capped at
// MaxDelay.
func (r *Runner) calculateBackoff(base time.Duration, attempt int) time.Duration {
	delay := float64(base)
	for i := 1; i < attempt; i++ {
		delay *= r.backoff.Multiplier
		if r.backoff.MaxDelay > 0 && delay > float64(r.backoff.MaxDelay) {
			return r.backoff.MaxDelay
		}
	}
	return time.Duration(delay)
}

func (rn *run) record(ctx context.Context, res executor.Result) {
	rn.results[res.NodeID] = res
	rn.progress.Current = res.NodeID
	rn.progress.Completed = append(rn.progress.Completed, res.NodeID)
	rn.progress.Results[res.NodeID] = toRecord(res)
	rn.checkpoint(ctx)
}

func (rn *run) fail(ctx context.Context, node string, err error) error {
	ctxlog.FromContext(ctx).Error("Flow run failed", "node", node, "error", err)
	rn.emit(Event{Kind: TaskFailed, RunID: rn.key.RunID, NodeID: node, Err: err})
	rn.progress.Status = checkpoints.StatusFailed
	rn.progress.Current = node
	rn.progress.Error = err.Error()
	rn.checkpoint(ctx)
	return rn.flowError(node, err)
}

// cancel stops the run and frees the devices it still holds.
func (rn *run) cancel(ctx context.Context, node string, err error) error {
	logger := ctxlog.FromContext(ctx)
	logger.Warn("Flow run cancelled", "next", node, "error", err)
	if rn.releaser != nil {
		if rerr := rn.releaser.ReleaseRun(context.WithoutCancel(ctx), resource.RunFromContext(ctx)); rerr != nil {
			logger.Error("Failed to release devices after cancellation", "error", rerr)
		}
	}
	rn.progress.Status = checkpoints.StatusCancelled
	rn.progress.Current = node
	rn.progress.Error = err.Error()
	rn.checkpoint(context.WithoutCancel(ctx))
	return rn.flowError(node, err)
}

func (rn *run) flowError(node string, err error) *FlowError {
	return &FlowError{
		WorkflowID: rn.key.WorkflowID,
		RunID:      rn.key.RunID,
		Node:       node,
		Err:        err,
		Results:    rn.results,
	}
}

func (rn *run) checkpoint(ctx context.Context) {
	if rn.checkpoints == nil {
		return
	}
	if err := rn.checkpoints.Save(ctx, rn.key, &rn.progress); err != nil {
		ctxlog.FromContext(ctx).Warn("Failed to save run checkpoint", "error", err)
	}
}

func (rn *run) emit(e Event) {
	if rn.observer != nil {
		rn.observer(e)
	}
}

func toRecord(res executor.Result) checkpoints.TaskRecord {
	rec := checkpoints.TaskRecord{
		NodeID:     res.NodeID,
		Success:    res.Success,
		Skipped:    res.Skipped,
		CacheHit:   res.CacheHit,
		Payload:    res.Payload,
		Error:      res.Error,
		Attempts:   res.Attempts,
		ResourceID: res.ResourceID,
		Elapsed:    res.Elapsed,
	}
	if res.Err != nil && rec.Error == "" {
		rec.Error = res.Err.Error()
	}
	return rec
}

// Progress returns the stored progress of a run.
func (r *Runner) Progress(ctx context.Context, workflowID, runID string) (*checkpoints.Progress, error) {
	if r.checkpoints == nil {
		return nil, ErrNoCheckpoints
	}
	return r.checkpoints.Load(ctx, checkpoints.Key{WorkflowID: workflowID, RunID: runID})
}

// History lists the recorded runs of a workflow.
func (r *Runner) History(ctx context.Context, workflowID string) ([]checkpoints.Checkpoint, error) {
	if r.checkpoints == nil {
		return nil, ErrNoCheckpoints
	}
	return r.checkpoints.History(ctx, workflowID)
}

// IsCancelled reports whether err ended a run through cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
