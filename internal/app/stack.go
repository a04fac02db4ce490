// Package app wires the engine components from a configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/assistant"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/checkpoints"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/compiler"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/config"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/ctxlog"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/device"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/executor"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/resource"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/runner"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/store"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/workflow"
)

// ErrAssistantDisabled is returned by Drafter when no model is configured
var ErrAssistantDisabled = errors.New("drafting assistant is disabled")

// Stack holds every long-lived component of a running engine.
type Stack struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     store.Store
	Runs      checkpoints.Store
	Workflows *workflow.Registry
	Compiler  *compiler.Compiler
	Gateway   device.Gateway
	Allocator *resource.Allocator
	Executors *executor.Factory
	Runner    *runner.Runner

	drafter *assistant.Drafter
	closers []func() error
}

// StackOption adjusts a Stack before its components are built.
type StackOption func(*stackOptions)

type stackOptions struct {
	gateway device.Gateway
	model   llms.Model
	runner  []runner.Option
}

// WithDeviceGateway replaces the configured gateway.
func WithDeviceGateway(gw device.Gateway) StackOption {
	return func(o *stackOptions) {
		o.gateway = gw
	}
}

// WithModel enables the drafting assistant with m regardless of the
// assistant block.
func WithModel(m llms.Model) StackOption {
	return func(o *stackOptions) {
		o.model = m
	}
}

func WithRunnerOptions(opts ...runner.Option) StackOption {
	return func(o *stackOptions) {
		o.runner = append(o.runner, opts...)
	}
}

// NewStack builds the stack described by cfg. Logs go to logW.
func NewStack(ctx context.Context, cfg *config.Config, logW io.Writer, opts ...StackOption) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o stackOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := NewLogger(cfg.Log.Level, cfg.Log.Format, logW)
	ctx = ctxlog.WithLogger(ctx, logger)
	s := &Stack{Config: cfg, Logger: logger}

	if err := s.openStore(cfg.Store); err != nil {
		return nil, err
	}

	s.Gateway = o.gateway
	if s.Gateway == nil {
		gw, err := s.openGateway(ctx, cfg.Gateway)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.Gateway = gw
	}

	s.Workflows = workflow.NewRegistry(s.Store)
	s.Compiler = compiler.New(
		compiler.WithRetryPolicy(compiler.RetryPolicy{
			MaxRetries: cfg.Retry.MaxRetries,
			RetryDelay: cfg.Retry.RetryDelay,
		}),
		compiler.WithDefaultTags(cfg.DefaultTags...),
	)
	s.Allocator = resource.NewAllocator(
		resource.WithGateway(s.Gateway),
		resource.WithTimeout(cfg.Allocation.Timeout),
	)
	s.Executors = executor.NewFactory(executor.Deps{
		Allocator:         s.Allocator,
		Gateway:           s.Gateway,
		Files:             executor.LocalFiles{Root: cfg.Files.Root},
		AllocationTimeout: cfg.Allocation.Timeout,
	})

	runnerOpts := []runner.Option{
		runner.WithReleaser(s.Allocator),
		runner.WithCheckpoints(s.Runs),
		runner.WithCache(runner.NewMemoryCache()),
		runner.WithBackoff(runner.Backoff{Multiplier: cfg.Retry.Backoff, MaxDelay: cfg.Retry.MaxDelay}),
	}
	s.Runner = runner.New(s.Executors, append(runnerOpts, o.runner...)...)

	switch {
	case o.model != nil:
		s.drafter = assistant.New(o.model)
	case cfg.Assistant.Enabled:
		llmOpts := []ollama.Option{ollama.WithModel(cfg.Assistant.Model), ollama.WithFormat("json")}
		if cfg.Assistant.ServerURL != "" {
			llmOpts = append(llmOpts, ollama.WithServerURL(cfg.Assistant.ServerURL))
		}
		model, err := ollama.New(llmOpts...)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to create assistant model: %w", err)
		}
		s.drafter = assistant.New(model)
	}

	logger.Debug("Engine stack ready",
		"store", cfg.Store.Driver,
		"gateway", cfg.Gateway.Kind,
		"assistant", s.drafter != nil,
	)
	return s, nil
}

func (s *Stack) openStore(cfg config.Store) error {
	switch cfg.Driver {
	case config.StoreBolt:
		db, err := store.OpenBolt(cfg.Path)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		s.Store = db
		s.Runs = db.Checkpoints()
	default:
		s.Store = store.NewMemoryStore()
		s.Runs = checkpoints.NewMemoryStore()
	}
	s.closers = append(s.closers, s.Store.Close)
	return nil
}

func (s *Stack) openGateway(ctx context.Context, cfg config.Gateway) (device.Gateway, error) {
	if cfg.Kind != config.GatewaySocketIO {
		return device.NewSimulator(), nil
	}
	gw, err := device.DialRemote(ctx, device.RemoteConfig{
		URL:                cfg.URL,
		Namespace:          cfg.Namespace,
		Timeout:            cfg.Timeout,
		InsecureSkipVerify: cfg.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect device gateway: %w", err)
	}
	s.closers = append(s.closers, gw.Close)
	return gw, nil
}

// Context attaches the stack logger to ctx.
func (s *Stack) Context(ctx context.Context) context.Context {
	return ctxlog.WithLogger(ctx, s.Logger)
}

// Drafter returns the drafting assistant, or ErrAssistantDisabled.
func (s *Stack) Drafter() (*assistant.Drafter, error) {
	if s.drafter == nil {
		return nil, ErrAssistantDisabled
	}
	return s.drafter, nil
}

// Close releases held devices and closes the gateway and store, in reverse
// order of opening.
func (s *Stack) Close() error {
	var errs []error
	if s.Allocator != nil {
		errs = append(errs, s.Allocator.ReleaseAll(context.Background()))
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}
