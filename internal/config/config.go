// Package config loads the engine configuration from an HCL file.
//
// Attribute expressions may read the process environment through the env
// object, e.g. url = env.LAB_GATEWAY_URL.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// ErrInvalidConfig is wrapped by every Validate failure
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	StoreMemory = "memory"
	StoreBolt   = "bolt"

	GatewaySimulator = "simulator"
	GatewaySocketIO  = "socketio"
)

type Server struct {
	Address string
}

type Log struct {
	Level  string
	Format string
}

type Store struct {
	Driver string
	Path   string
}

type Retry struct {
	MaxRetries int
	RetryDelay time.Duration
	MaxDelay   time.Duration
	Backoff    float64
}

type Allocation struct {
	Timeout time.Duration
}

type Gateway struct {
	Kind      string
	URL       string
	Namespace string
	Timeout   time.Duration
	Insecure  bool
}

type Assistant struct {
	Enabled   bool
	Model     string
	ServerURL string
}

type Files struct {
	Root string
}

// Config is the decoded configuration with defaults applied.
type Config struct {
	Server      Server
	Log         Log
	Store       Store
	Retry       Retry
	DefaultTags []string
	Allocation  Allocation
	Gateway     Gateway
	Assistant   Assistant
	Files       Files
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: Server{Address: ":8080"},
		Log:    Log{Level: "info", Format: "text"},
		Store:  Store{Driver: StoreMemory},
		Retry: Retry{
			MaxRetries: 3,
			RetryDelay: 30 * time.Second,
			MaxDelay:   5 * time.Minute,
			Backoff:    2,
		},
		Allocation: Allocation{Timeout: 30 * time.Second},
		Gateway:    Gateway{Kind: GatewaySimulator, Namespace: "/", Timeout: 30 * time.Second},
		Assistant:  Assistant{Model: "llama3"},
		Files:      Files{Root: "."},
	}
}

// hclConfigFile is the on-disk layout. Durations are strings in
// time.ParseDuration syntax.
type hclConfigFile struct {
	Server      *hclServer     `hcl:"server,block"`
	Log         *hclLog        `hcl:"log,block"`
	Store       *hclStore      `hcl:"store,block"`
	Retry       *hclRetry      `hcl:"retry,block"`
	DefaultTags []string       `hcl:"default_tags,optional"`
	Allocation  *hclAllocation `hcl:"allocation,block"`
	Gateway     *hclGateway    `hcl:"gateway,block"`
	Assistant   *hclAssistant  `hcl:"assistant,block"`
	Files       *hclFiles      `hcl:"files,block"`
}

type hclServer struct {
	Address *string `hcl:"address,optional"`
}

type hclLog struct {
	Level  *string `hcl:"level,optional"`
	Format *string `hcl:"format,optional"`
}

type hclStore struct {
	Driver *string `hcl:"driver,optional"`
	Path   *string `hcl:"path,optional"`
}

type hclRetry struct {
	MaxRetries *int     `hcl:"max_retries,optional"`
	RetryDelay *string  `hcl:"retry_delay,optional"`
	MaxDelay   *string  `hcl:"max_delay,optional"`
	Backoff    *float64 `hcl:"backoff,optional"`
}

type hclAllocation struct {
	Timeout *string `hcl:"timeout,optional"`
}

type hclGateway struct {
	Kind      *string `hcl:"kind,optional"`
	URL       *string `hcl:"url,optional"`
	Namespace *string `hcl:"namespace,optional"`
	Timeout   *string `hcl:"timeout,optional"`
	Insecure  *bool   `hcl:"insecure_skip_verify,optional"`
}

type hclAssistant struct {
	Enabled   *bool   `hcl:"enabled,optional"`
	Model     *string `hcl:"model,optional"`
	ServerURL *string `hcl:"server_url,optional"`
}

type hclFiles struct {
	Root *string `hcl:"root,optional"`
}

// Load reads and decodes the HCL file at path.
func Load(path string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, diags)
	}
	return decode(file, path)
}

// Parse decodes HCL source. filename is used in diagnostics only.
func Parse(src []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse config %s: %w", filename, diags)
	}
	return decode(file, filename)
}

func decode(file *hcl.File, filename string) (*Config, error) {
	var raw hclConfigFile
	if diags := gohcl.DecodeBody(file.Body, evalContext(), &raw); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode config %s: %w", filename, diags)
	}

	cfg := Default()
	if err := raw.apply(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", filename, err)
	}
	return cfg, nil
}

// evalContext exposes the environment as the env object.
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !isIdentifier(name) {
			continue
		}
		vars[name] = cty.StringVal(value)
	}
	env := cty.EmptyObjectVal
	if len(vars) > 0 {
		env = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{Variables: map[string]cty.Value{"env": env}}
}

// isIdentifier reports whether name can be used as an attribute of env.
func isIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '-'):
		default:
			return false
		}
	}
	return true
}

func (f *hclConfigFile) apply(cfg *Config) error {
	var err error
	if f.Server != nil {
		set(&cfg.Server.Address, f.Server.Address)
	}
	if f.Log != nil {
		set(&cfg.Log.Level, f.Log.Level)
		set(&cfg.Log.Format, f.Log.Format)
	}
	if f.Store != nil {
		set(&cfg.Store.Driver, f.Store.Driver)
		set(&cfg.Store.Path, f.Store.Path)
	}
	if f.Retry != nil {
		set(&cfg.Retry.MaxRetries, f.Retry.MaxRetries)
		set(&cfg.Retry.Backoff, f.Retry.Backoff)
		if err = duration(&cfg.Retry.RetryDelay, "retry.retry_delay", f.Retry.RetryDelay); err != nil {
			return err
		}
		if err = duration(&cfg.Retry.MaxDelay, "retry.max_delay", f.Retry.MaxDelay); err != nil {
			return err
		}
	}
	if f.DefaultTags != nil {
		cfg.DefaultTags = f.DefaultTags
	}
	if f.Allocation != nil {
		if err = duration(&cfg.Allocation.Timeout, "allocation.timeout", f.Allocation.Timeout); err != nil {
			return err
		}
	}
	if f.Gateway != nil {
		set(&cfg.Gateway.Kind, f.Gateway.Kind)
		set(&cfg.Gateway.URL, f.Gateway.URL)
		set(&cfg.Gateway.Namespace, f.Gateway.Namespace)
		set(&cfg.Gateway.Insecure, f.Gateway.Insecure)
		if err = duration(&cfg.Gateway.Timeout, "gateway.timeout", f.Gateway.Timeout); err != nil {
			return err
		}
	}
	if f.Assistant != nil {
		set(&cfg.Assistant.Enabled, f.Assistant.Enabled)
		set(&cfg.Assistant.Model, f.Assistant.Model)
		set(&cfg.Assistant.ServerURL, f.Assistant.ServerURL)
	}
	if f.Files != nil {
		set(&cfg.Files.Root, f.Files.Root)
	}
	return nil
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func duration(dst *time.Duration, name string, src *string) error {
	if src == nil {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err)
	}
	*dst = d
	return nil
}

// Validate checks enumerations and ranges.
func (c *Config) Validate() error {
	var errs []error
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StoreBolt:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the bolt driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be memory or bolt", c.Store.Driver))
	}
	switch c.Gateway.Kind {
	case GatewaySimulator:
	case GatewaySocketIO:
		if c.Gateway.URL == "" {
			errs = append(errs, errors.New("gateway.url is required for the socketio gateway"))
		}
	default:
		errs = append(errs, fmt.Errorf("gateway.kind %q must be simulator or socketio", c.Gateway.Kind))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must not be negative"))
	}
	if c.Retry.Backoff < 1 {
		errs = append(errs, errors.New("retry.backoff must be at least 1"))
	}
	if c.Retry.RetryDelay < 0 || c.Retry.MaxDelay < 0 || c.Allocation.Timeout < 0 || c.Gateway.Timeout < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
