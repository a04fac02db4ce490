package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/api"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/app"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/compiler"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/config"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/graph"
)

type env struct {
	out io.Writer
	log io.Writer
}

type command func(ctx context.Context, e *env, args []string) error

var commands = map[string]command{
	"serve":    serveCmd,
	"run":      runCmd,
	"compile":  compileCmd,
	"order":    orderCmd,
	"validate": validateCmd,
	"draft":    draftCmd,
}

// common holds the options every command accepts.
type common struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newFlagSet(e *env, name, args, summary string) (*flag.FlagSet, *common) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.out)
	fs.Usage = func() {
		fmt.Fprintf(e.out, "\n%s\n\nUsage:\n  labflow %s [options] %s\n\nOptions:\n", summary, name, args)
		fs.PrintDefaults()
	}
	c := &common{}
	fs.StringVar(&c.configPath, "config", "", "Path to an HCL configuration file.")
	fs.StringVar(&c.logLevel, "log-level", "", "Override the log level. Options: 'debug', 'info', 'warn', 'error'.")
	fs.StringVar(&c.logFormat, "log-format", "", "Override the log format. Options: 'text' or 'json'.")
	return fs, c
}

// parse reports whether the command should stop without error (help).
func parse(fs *flag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return true, nil
		}
		return false, &ExitError{Code: 2, Message: err.Error()}
	}
	return false, nil
}

func (c *common) load() (*config.Config, error) {
	cfg := config.Default()
	if c.configPath != "" {
		loaded, err := config.Load(c.configPath)
		if err != nil {
			return nil, &ExitError{Code: 2, Message: err.Error()}
		}
		cfg = loaded
	}
	if c.logLevel != "" {
		cfg.Log.Level = strings.ToLower(c.logLevel)
	}
	if c.logFormat != "" {
		cfg.Log.Format = strings.ToLower(c.logFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ExitError{Code: 2, Message: err.Error()}
	}
	return cfg, nil
}

func (c *common) stack(ctx context.Context, e *env) (*app.Stack, error) {
	cfg, err := c.load()
	if err != nil {
		return nil, err
	}
	return app.NewStack(ctx, cfg, e.log)
}

func newCompiler(cfg *config.Config) *compiler.Compiler {
	return compiler.New(
		compiler.WithRetryPolicy(compiler.RetryPolicy{MaxRetries: cfg.Retry.MaxRetries, RetryDelay: cfg.Retry.RetryDelay}),
		compiler.WithDefaultTags(cfg.DefaultTags...),
	)
}

// loadWorkflow reads a JSON or YAML workflow document. The graph ID is the
// file name without extension.
func loadWorkflow(path string) (*graph.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ext := filepath.Ext(path)
	id := graph.WithGraphID(strings.TrimSuffix(filepath.Base(path), ext))
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return graph.FromYAML(data, id)
	default:
		return graph.FromJSON(data, id)
	}
}

func workflowArg(fs *flag.FlagSet) (string, error) {
	if fs.NArg() != 1 {
		fs.Usage()
		return "", &ExitError{Code: 2, Message: "exactly one workflow file is required"}
	}
	return fs.Arg(0), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd(ctx context.Context, e *env, args []string) error {
	fs, c := newFlagSet(e, "serve", "", "Start the HTTP API.")
	addr := fs.String("addr", "", "Listen address. Overrides server.address.")
	if exit, err := parse(fs, args); exit || err != nil {
		return err
	}

	s, err := c.stack(ctx, e)
	if err != nil {
		return err
	}
	defer s.Close()

	if *addr == "" {
		*addr = s.Config.Server.Address
	}
	handler := api.NewServer(s.Workflows, s.Compiler, s.Runner, s.Logger)
	srv := &http.Server{Addr: *addr, Handler: handler.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		s.Logger.Info("HTTP API listening", "address", *addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		handler.Shutdown()
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
	}

	s.Logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	handler.Shutdown()
	return err
}

func runCmd(ctx context.Context, e *env, args []string) error {
	fs, c := newFlagSet(e, "run", "WORKFLOW_FILE", "Execute a workflow file and print the task results.")
	force := fs.Bool("force", false, "Run even when validation reports problems.")
	name := fs.String("name", "", "Workflow name recorded in the plan.")
	if exit, err := parse(fs, args); exit || err != nil {
		return err
	}
	path, err := workflowArg(fs)
	if err != nil {
		return err
	}

	s, err := c.stack(ctx, e)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx = s.Context(ctx)

	g, err := loadWorkflow(path)
	if err != nil {
		return err
	}
	if report := g.Validate(); !report.IsValid {
		for _, issue := range report.Errors {
			s.Logger.Warn("Validation issue", "kind", issue.Kind, "node", issue.NodeID, "message", issue.Message)
		}
		if !*force {
			return &ExitError{Code: 1, Message: "workflow is not valid"}
		}
	}

	plan, err := s.Compiler.Compile(compiler.Metadata{Name: *name}, g)
	if err != nil {
		return err
	}
	results, runErr := s.Runner.ExecuteFlow(ctx, plan)
	if err := printJSON(e.out, results); err != nil {
		return err
	}
	return runErr
}

func compileCmd(ctx context.Context, e *env, args []string) error {
	fs, c := newFlagSet(e, "compile", "WORKFLOW_FILE", "Print the execution plan of a workflow file.")
	format := fs.String("format", "json", "Output format. Options: 'json' or 'yaml'.")
	name := fs.String("name", "", "Workflow name recorded in the plan.")
	version := fs.String("version", "", "Workflow version recorded in the plan.")
	if exit, err := parse(fs, args); exit || err != nil {
		return err
	}
	path, err := workflowArg(fs)
	if err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}

	g, err := loadWorkflow(path)
	if err != nil {
		return err
	}
	plan, err := newCompiler(cfg).Compile(compiler.Metadata{Name: *name, Version: *version}, g)
	if err != nil {
		return err
	}

	var out []byte
	switch *format {
	case "json":
		out, err = plan.ToJSON()
	case "yaml":
		out, err = plan.ToYAML()
	default:
		return &ExitError{Code: 2, Message: "invalid format: must be 'json' or 'yaml'"}
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(e.out, strings.TrimRight(string(out), "\n"))
	return err
}

func orderCmd(ctx context.Context, e *env, args []string) error {
	fs, _ := newFlagSet(e, "order", "WORKFLOW_FILE", "Print the execution order of a workflow file, one node per line.")
	if exit, err := parse(fs, args); exit || err != nil {
		return err
	}
	path, err := workflowArg(fs)
	if err != nil {
		return err
	}
	g, err := loadWorkflow(path)
	if err != nil {
		return err
	}
	for _, n := range g.TopologicalOrder() {
		fmt.Fprintf(e.out, "%s\t%s\n", n.ID, n.Type)
	}
	return nil
}

func validateCmd(ctx context.Context, e *env, args []string) error {
	fs, _ := newFlagSet(e, "validate", "WORKFLOW_FILE", "Check a workflow file for isolated nodes and missing parameters.")
	if exit, err := parse(fs, args); exit || err != nil {
		return err
	}
	path, err := workflowArg(fs)
	if err != nil {
		return err
	}
	g, err := loadWorkflow(path)
	if err != nil {
		return err
	}
	report := g.Validate()
	if err := printJSON(e.out, report); err != nil {
		return err
	}
	if !report.IsValid {
		return &ExitError{Code: 1, Message: fmt.Sprintf("workflow is not valid: %d issue(s)", len(report.Errors))}
	}
	return nil
}

func draftCmd(ctx context.Context, e *env, args []string) error {
	fs, c := newFlagSet(e, "draft", "DESCRIPTION...", "Draft a workflow document from a natural-language description.")
	output := fs.String("o", "", "Write the document to this file instead of standard output.")
	if exit, err := parse(fs, args); exit || err != nil {
		return err
	}
	description := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(description) == "" {
		fs.Usage()
		return &ExitError{Code: 2, Message: "a description is required"}
	}

	s, err := c.stack(ctx, e)
	if err != nil {
		return err
	}
	defer s.Close()

	drafter, err := s.Drafter()
	if err != nil {
		return &ExitError{Code: 2, Message: err.Error() + ": enable the assistant block in the configuration"}
	}
	draft, err := drafter.Draft(s.Context(ctx), description)
	if err != nil {
		return err
	}
	for _, issue := range draft.Report.Errors {
		s.Logger.Warn("Draft needs attention", "kind", issue.Kind, "node", issue.NodeID, "message", issue.Message)
	}

	doc, err := json.MarshalIndent(draft.Graph.ToDocument(), "", "  ")
	if err != nil {
		return err
	}
	if *output != "" {
		return os.WriteFile(*output, append(doc, '\n'), 0o644)
	}
	_, err = fmt.Fprintln(e.out, string(doc))
	return err
}
