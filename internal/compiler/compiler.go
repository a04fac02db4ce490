// Package compiler turns a workflow graph into a Plan of runnable tasks with
// retry, cache and dependency metadata.
package compiler

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/graph"
)

// RetryPolicy is applied to every compiled task.
type RetryPolicy struct {
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultRetryPolicy matches the lab defaults: three retries thirty seconds
// apart.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, RetryDelay: 30 * time.Second}

// cacheable operation types get a cache key
var cacheable = map[graph.OperationType]bool{
	graph.DataProcessing: true,
	graph.FileInput:      true,
}

// Compiler converts graphs to plans. It holds no per-compile state and is
// safe for concurrent use.
type Compiler struct {
	retry       RetryPolicy
	defaultTags []string
}

// Option configures a Compiler
type Option func(*Compiler)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Compiler) {
		c.retry = p
	}
}

// WithDefaultTags adds tags to every task and to the plan.
func WithDefaultTags(tags ...string) Option {
	return func(c *Compiler) {
		c.defaultTags = append(c.defaultTags, tags...)
	}
}

func New(opts ...Option) *Compiler {
	c := &Compiler{retry: DefaultRetryPolicy}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Compile converts a snapshot of g.
func (c *Compiler) Compile(meta Metadata, g *graph.Graph) (*Plan, error) {
	if meta.WorkflowID == "" {
		meta.WorkflowID = g.ID()
	}
	return c.ConvertToPlan(meta, g.Nodes(), g.Edges())
}

// ConvertToPlan builds one task per node and wires Upstream from the
// connections. A connection naming an unknown node is a structural error.
func (c *Compiler) ConvertToPlan(meta Metadata, nodes []graph.Node, connections []graph.Edge) (*Plan, error) {
	plan := &Plan{
		Metadata: meta,
		Tasks:    make([]Task, 0, len(nodes)),
	}
	plan.Tags = mergeTags(c.defaultTags, meta.Tags)

	sorted := slices.Clone(nodes)
	slices.SortFunc(sorted, func(a, b graph.Node) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	index := make(map[string]int, len(sorted))
	for _, n := range sorted {
		if _, dup := index[n.ID]; dup {
			return nil, graph.NewStructuralError("compile", n.ID, fmt.Errorf("%w: duplicate node", graph.ErrInvalidNode))
		}
		task, err := c.convertNode(n, plan.Tags)
		if err != nil {
			return nil, graph.NewStructuralError("compile", n.ID, err)
		}
		index[n.ID] = len(plan.Tasks)
		plan.Tasks = append(plan.Tasks, task)
	}

	for _, conn := range connections {
		if _, ok := index[conn.Source]; !ok {
			return nil, graph.NewStructuralError("compile", conn.Source, fmt.Errorf("connection %s: %w", conn.ID, graph.ErrNodeNotFound))
		}
		i, ok := index[conn.Target]
		if !ok {
			return nil, graph.NewStructuralError("compile", conn.Target, fmt.Errorf("connection %s: %w", conn.ID, graph.ErrNodeNotFound))
		}
		t := &plan.Tasks[i]
		t.Upstream = append(t.Upstream, conn.Source)
		if conn.Kind == graph.Conditional {
			if cond := conn.Condition(); cond != "" {
				t.Conditions = append(t.Conditions, cond)
			}
		}
	}

	return plan, nil
}

func (c *Compiler) convertNode(n graph.Node, planTags []string) (Task, error) {
	params := make(map[string]any, len(n.Parameters)+2)
	for name, p := range n.Parameters {
		if p.Value.IsSet() {
			params[name] = p.Value.Interface()
		} else {
			params[name] = nil
		}
	}
	params["nodeId"] = n.ID
	params["nodeType"] = string(n.Type)

	task := Task{
		Name:       fmt.Sprintf("%s_%s", n.Type, n.ID),
		NodeID:     n.ID,
		Type:       n.Type,
		Parameters: params,
		Retries:    c.retry.MaxRetries,
		RetryDelay: c.retry.RetryDelay,
		Tags:       mergeTags(n.Tags, planTags),
		Upstream:   []string{},
	}
	if cacheable[n.Type] {
		key, err := CacheKey(n.Type, n.ID, n.Values())
		if err != nil {
			return Task{}, err
		}
		task.CacheKey = key
	}
	return task, nil
}

// CacheKey hashes the operation type, node ID and canonical JSON of the
// parameters. Each field is length-prefixed.
func CacheKey(t graph.OperationType, nodeID string, params map[string]any) (string, error) {
	// encoding/json sorts map keys
	canonical, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}

	h := sha256.New()
	writeField := func(data []byte) {
		var length [8]byte
		binary.BigEndian.PutUint64(length[:], uint64(len(data)))
		h.Write(length[:])
		h.Write(data)
	}
	writeField([]byte(t))
	writeField([]byte(nodeID))
	writeField(canonical)

	return hex.EncodeToString(h.Sum(nil)), nil
}

func mergeTags(sets ...[]string) []string {
	var out []string
	for _, s := range sets {
		out = append(out, s...)
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return slices.Compact(out)
}
