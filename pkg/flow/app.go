package flow

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/pkg/errors"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/checkpoints"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/compiler"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/ctxlog"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/executor"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/runner"
)

// Request is one invocation of an App. Parameters override task parameters
// by node ID, e.g. a different target temperature for each batch.
type Request struct {
	Parameters map[string]map[string]any
}

// Output is the outcome of a successful run.
type Output struct {
	RunID   string
	Results map[string]executor.Result
}

// Listener is polled or awaited for new requests to run.
// For example, it might be reading from a queue or an HTTP endpoint.
type Listener interface {
	// WaitForEvent blocks until a new request is available or ctx is done.
	WaitForEvent(ctx context.Context) (Request, error)
}

// Callback is invoked after execution (success or error).
type Callback interface {
	OnComplete(ctx context.Context, out Output) error
	OnError(ctx context.Context, err error) error
}

// App is a compiled workflow plus the runner that executes it.
type App struct {
	plan     *compiler.Plan
	runner   *runner.Runner
	listener Listener
	callback Callback

	compiler *compiler.Compiler
	meta     compiler.Metadata
	store    checkpoints.Store
	observer func(runner.Event)
	runOpts  []runner.Option
	debug    bool
}

// AppOption configures the App before its plan is compiled.
type AppOption func(*App)

func WithListener(l Listener) AppOption {
	return func(a *App) {
		a.listener = l
	}
}

func WithCallback(cb Callback) AppOption {
	return func(a *App) {
		a.callback = cb
	}
}

// WithCheckpointStore records run progress so Progress can report it.
func WithCheckpointStore(store checkpoints.Store) AppOption {
	return func(a *App) {
		a.store = store
	}
}

// WithDebug logs every task event.
func WithDebug() AppOption {
	return func(a *App) {
		a.debug = true
	}
}

func WithMetadata(meta compiler.Metadata) AppOption {
	return func(a *App) {
		a.meta = meta
	}
}

func WithCompiler(c *compiler.Compiler) AppOption {
	return func(a *App) {
		a.compiler = c
	}
}

// WithObserver receives task events from every run.
func WithObserver(fn func(runner.Event)) AppOption {
	return func(a *App) {
		a.observer = fn
	}
}

// WithRunnerOptions passes extra options to the runner, such as a cache or a
// device releaser.
func WithRunnerOptions(opts ...runner.Option) AppOption {
	return func(a *App) {
		a.runOpts = append(a.runOpts, opts...)
	}
}

// NewApp validates and compiles the workflow. Tasks are executed with
// executors from factory.
func NewApp(wf *Builder, factory *executor.Factory, opts ...AppOption) (*App, error) {
	app := &App{meta: compiler.Metadata{Name: wf.Name()}}
	for _, opt := range opts {
		opt(app)
	}
	if app.compiler == nil {
		app.compiler = compiler.New()
	}

	g, err := wf.Graph()
	if err != nil {
		return nil, fmt.Errorf("NewApp: failed to build workflow: %w", err)
	}
	if report := g.Validate(); !report.IsValid {
		msgs := make([]string, len(report.Errors))
		for i, issue := range report.Errors {
			msgs[i] = issue.String()
		}
		return nil, fmt.Errorf("NewApp: workflow is not valid: %s", strings.Join(msgs, "; "))
	}

	plan, err := app.compiler.Compile(app.meta, g)
	if err != nil {
		return nil, fmt.Errorf("NewApp: failed to compile workflow: %w", err)
	}
	app.plan = plan

	runOpts := append([]runner.Option(nil), app.runOpts...)
	if app.store != nil {
		runOpts = append(runOpts, runner.WithCheckpoints(app.store))
	}
	if app.observer != nil || app.debug {
		runOpts = append(runOpts, runner.WithObserver(app.observe))
	}
	app.runner = runner.New(factory, runOpts...)
	return app, nil
}

func (app *App) observe(e runner.Event) {
	if app.debug {
		ctxlog.FromContext(context.Background()).Info("Task event",
			"kind", e.Kind, "run", e.RunID, "node", e.NodeID, "attempt", e.Attempt, "error", e.Err)
	}
	if app.observer != nil {
		app.observer(e)
	}
}

// Plan returns the compiled plan.
func (app *App) Plan() *compiler.Plan {
	return app.plan
}

// planFor applies the request overrides to a copy of the plan.
func (app *App) planFor(req Request) (*compiler.Plan, error) {
	if len(req.Parameters) == 0 {
		return app.plan, nil
	}
	plan := &compiler.Plan{Metadata: app.plan.Metadata, Tasks: make([]compiler.Task, len(app.plan.Tasks))}
	copy(plan.Tasks, app.plan.Tasks)

	seen := 0
	for i, t := range plan.Tasks {
		override, ok := req.Parameters[t.NodeID]
		if !ok {
			continue
		}
		seen++
		t.Parameters = maps.Clone(t.Parameters)
		maps.Copy(t.Parameters, override)
		if t.Cacheable() {
			key, err := compiler.CacheKey(t.Type, t.NodeID, t.Parameters)
			if err != nil {
				return nil, err
			}
			t.CacheKey = key
		}
		plan.Tasks[i] = t
	}
	if seen != len(req.Parameters) {
		for id := range req.Parameters {
			if _, ok := plan.Task(id); !ok {
				return nil, fmt.Errorf("override for unknown task %q", id)
			}
		}
	}
	return plan, nil
}

// Invoke runs the workflow *once* for req.
// If the App has a callback set, OnComplete/OnError is called here.
func (app *App) Invoke(ctx context.Context, req Request) (Output, error) {
	plan, err := app.planFor(req)
	if err != nil {
		if app.callback != nil {
			_ = app.callback.OnError(ctx, err)
		}
		return Output{}, errors.Wrap(err, "invoke: bad request")
	}

	out := Output{RunID: app.runner.NewRunID()}
	out.Results, err = app.runner.Execute(ctx, plan, out.RunID)
	if err != nil {
		if app.callback != nil {
			_ = app.callback.OnError(ctx, err)
		}
		return out, errors.Wrap(err, "invoke: workflow failed")
	}
	if app.callback != nil {
		if cbErr := app.callback.OnComplete(ctx, out); cbErr != nil {
			return out, fmt.Errorf("invoke: callback OnComplete failed: %w", cbErr)
		}
	}
	return out, nil
}

// Start invokes the workflow for each request from the Listener until ctx
// is done. Failed runs are reported to the callback and do not stop the loop.
func (app *App) Start(ctx context.Context) error {
	if app.listener == nil {
		return errors.New("start called, but no Listener is configured")
	}
	logger := ctxlog.FromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "context is done")
		default:
		}

		req, err := app.listener.WaitForEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrap(ctx.Err(), "context is done")
			}
			logger.Warn("Listener failed", "error", err)
			if app.callback != nil {
				_ = app.callback.OnError(ctx, err)
			}
			continue
		}
		if _, err := app.Invoke(ctx, req); err != nil {
			logger.Debug("Run failed, waiting for next request", "error", err)
		}
	}
}

// Progress reports a run recorded in the checkpoint store.
func (app *App) Progress(ctx context.Context, runID string) (*checkpoints.Progress, error) {
	return app.runner.Progress(ctx, app.plan.WorkflowID, runID)
}
