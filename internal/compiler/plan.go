package compiler

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/graph"
)

// Task is the execution-ready form of one node.
type Task struct {
	Name       string              `json:"name" yaml:"name"`
	NodeID     string              `json:"nodeId" yaml:"nodeId"`
	Type       graph.OperationType `json:"type" yaml:"type"`
	Parameters map[string]any      `json:"parameters" yaml:"parameters"`
	Retries    int                 `json:"retries" yaml:"retries"`
	RetryDelay time.Duration       `json:"retryDelay" yaml:"retryDelay"`
	CacheKey   string              `json:"cacheKey,omitempty" yaml:"cacheKey,omitempty"`
	Tags       []string            `json:"tags,omitempty" yaml:"tags,omitempty"`
	// Upstream holds one entry per incoming connection, so a node connected
	// twice to the same source lists it twice.
	Upstream []string `json:"upstream" yaml:"upstream"`
	// Conditions gate the task; every one must hold for it to run.
	Conditions []string `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Cacheable reports whether the task has a cache key
func (t Task) Cacheable() bool {
	return t.CacheKey != ""
}

// Metadata describes the workflow a plan is compiled from.
type Metadata struct {
	WorkflowID  string   `json:"workflowId" yaml:"workflowId"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string   `json:"version,omitempty" yaml:"version,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Plan is a compiled workflow. Tasks are kept in node ID order.
type Plan struct {
	Metadata `yaml:",inline"`
	Tasks    []Task `json:"tasks" yaml:"tasks"`
}

// Task looks a task up by node ID.
func (p *Plan) Task(nodeID string) (Task, bool) {
	for _, t := range p.Tasks {
		if t.NodeID == nodeID {
			return t, true
		}
	}
	return Task{}, false
}

// Index returns the tasks keyed by node ID.
func (p *Plan) Index() map[string]Task {
	out := make(map[string]Task, len(p.Tasks))
	for _, t := range p.Tasks {
		out[t.NodeID] = t
	}
	return out
}

func (p *Plan) ToJSON() ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}

func (p *Plan) ToYAML() ([]byte, error) {
	return yaml.Marshal(p)
}

// FromJSON decodes a plan exported with ToJSON.
func FromJSON(data []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &p, nil
}

// FromYAML decodes a plan exported with ToYAML.
func FromYAML(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &p, nil
}
