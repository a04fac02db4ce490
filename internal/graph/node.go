package graph

import (
	"fmt"
	"maps"
	"slices"
)

// OperationType is the closed set of laboratory operations a node may perform.
type OperationType string

const (
	HotplateControl OperationType = "HotplateControl"
	PumpControl     OperationType = "PumpControl"
	ValveControl    OperationType = "ValveControl"
	SensorNode      OperationType = "SensorNode"
	DataProcessing  OperationType = "DataProcessing"
	FileInput       OperationType = "FileInput"
	FileOutput      OperationType = "FileOutput"
)

// OperationTypes lists every known operation.
var OperationTypes = []OperationType{
	HotplateControl,
	PumpControl,
	ValveControl,
	SensorNode,
	DataProcessing,
	FileInput,
	FileOutput,
}

// Valid reports whether t belongs to the operation set.
func (t OperationType) Valid() bool {
	return slices.Contains(OperationTypes, t)
}

// Direction tells whether a parameter is consumed or produced by the node.
type Direction string

const (
	Input  Direction = "input"
	Output Direction = "output"
)

// Parameter is one named node parameter.
type Parameter struct {
	Value     Value     `json:"value" yaml:"value"`
	Required  bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Direction Direction `json:"direction,omitempty" yaml:"direction,omitempty"`
	// RequiredWhen makes the parameter required when the expression, evaluated
	// over the node's other parameter values, is true.
	RequiredWhen string `json:"requiredWhen,omitempty" yaml:"requiredWhen,omitempty"`
}

// Node is one operation instance in a workflow.
type Node struct {
	ID         string               `json:"id" yaml:"id"`
	Type       OperationType        `json:"type" yaml:"type"`
	Label      string               `json:"label,omitempty" yaml:"label,omitempty"`
	Parameters map[string]Parameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Tags       []string             `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Values returns the set parameter payloads keyed by name.
func (n Node) Values() map[string]any {
	out := make(map[string]any, len(n.Parameters))
	for name, p := range n.Parameters {
		if p.Value.IsSet() {
			out[name] = p.Value.Interface()
		}
	}
	return out
}

// ParameterNames returns the parameter names in sorted order.
func (n Node) ParameterNames() []string {
	return slices.Sorted(maps.Keys(n.Parameters))
}

// NodePatch describes a property edit applied through UpdateNode.
// Nil fields are left untouched.
type NodePatch struct {
	Label *string
	// Tags replaces the tag set when non-nil
	Tags []string
	// Parameters sets values of existing or new parameters
	Parameters map[string]Value
}

// normalizeNode validates n and returns an independent copy with canonical
// parameter values.
func normalizeNode(n Node) (Node, error) {
	if n.ID == "" {
		return Node{}, fmt.Errorf("%w: node ID is required", ErrInvalidNode)
	}
	if !n.Type.Valid() {
		return Node{}, fmt.Errorf("%w: %q", ErrUnknownOperation, n.Type)
	}

	out := Node{ID: n.ID, Type: n.Type, Label: n.Label}
	if len(n.Parameters) > 0 {
		out.Parameters = make(map[string]Parameter, len(n.Parameters))
		for name, p := range n.Parameters {
			v, err := p.Value.Validate()
			if err != nil {
				return Node{}, fmt.Errorf("parameter %q: %w", name, err)
			}
			p.Value = v
			out.Parameters[name] = p
		}
	}
	if len(n.Tags) > 0 {
		out.Tags = append([]string(nil), n.Tags...)
	}
	return out, nil
}

func cloneNode(n Node) Node {
	out, err := normalizeNode(n)
	if err != nil {
		// stored nodes are already normalized
		panic(err)
	}
	return out
}
