package graph

import (
	"fmt"
	"maps"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/condition"
)

// EdgeKind describes how the target relates to the source.
type EdgeKind string

const (
	Sequential  EdgeKind = "sequential"
	Parallel    EdgeKind = "parallel"
	Conditional EdgeKind = "conditional"
)

// ConditionKey is the edge config entry holding a conditional edge's expression.
const ConditionKey = "condition"

// Edge is a directed dependency from Source to Target.
type Edge struct {
	ID     string         `json:"id" yaml:"id"`
	Source string         `json:"source" yaml:"source"`
	Target string         `json:"target" yaml:"target"`
	Kind   EdgeKind       `json:"type,omitempty" yaml:"type,omitempty"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Condition returns the expression gating a conditional edge.
func (e Edge) Condition() string {
	s, _ := e.Config[ConditionKey].(string)
	return s
}

// normalizeEdge validates the edge fields that do not depend on graph state.
func normalizeEdge(e Edge) (Edge, error) {
	if e.ID == "" {
		return Edge{}, fmt.Errorf("%w: edge ID is required", ErrInvalidEdge)
	}
	if e.Source == "" || e.Target == "" {
		return Edge{}, fmt.Errorf("%w: edge must have a source and a target", ErrInvalidEdge)
	}

	out := Edge{ID: e.ID, Source: e.Source, Target: e.Target, Kind: e.Kind}
	if out.Kind == "" {
		out.Kind = Sequential
	}
	switch out.Kind {
	case Sequential, Parallel:
	case Conditional:
		if err := condition.Check(e.Condition()); err != nil {
			return Edge{}, fmt.Errorf("%w: %w", ErrInvalidEdge, err)
		}
	default:
		return Edge{}, fmt.Errorf("%w: unknown edge type %q", ErrInvalidEdge, e.Kind)
	}
	if len(e.Config) > 0 {
		out.Config = maps.Clone(e.Config)
	}
	return out, nil
}
