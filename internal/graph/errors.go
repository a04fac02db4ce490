package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrNodeNotFound is returned when referencing a non-existent node
	ErrNodeNotFound = errors.New("node not found")

	// ErrEdgeNotFound is returned when referencing a non-existent edge
	ErrEdgeNotFound = errors.New("edge not found")

	// ErrDuplicateEdge is returned when adding an edge whose ID is already in use
	ErrDuplicateEdge = errors.New("edge with this ID already exists")

	// ErrInvalidNode is returned when a node fails structural checks
	ErrInvalidNode = errors.New("invalid node")

	// ErrInvalidEdge is returned when an edge fails structural checks
	ErrInvalidEdge = errors.New("invalid edge")

	// ErrUnknownOperation is returned for node types outside the operation set
	ErrUnknownOperation = errors.New("unknown operation type")

	// ErrInvalidValue is returned when a parameter value does not match its kind
	ErrInvalidValue = errors.New("invalid parameter value")

	// ErrCyclicDependency is returned when a stored document contains a cycle
	ErrCyclicDependency = errors.New("cyclic dependency detected")
)

// StructuralError reports a rejected structural edit.
type StructuralError struct {
	// Op is the operation that failed
	Op string
	// Node is the ID of the node or edge involved (if any)
	Node string
	// Err is the underlying error
	Err error
}

func (e *StructuralError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("structural error: %s: '%s': %v", e.Op, e.Node, e.Err)
	}
	return fmt.Sprintf("structural error: %s: %v", e.Op, e.Err)
}

func (e *StructuralError) Unwrap() error {
	return e.Err
}

// NewStructuralError creates a new StructuralError
func NewStructuralError(op string, node string, err error) error {
	return &StructuralError{
		Op:   op,
		Node: node,
		Err:  err,
	}
}

// IssueKind classifies a validation finding.
type IssueKind string

const (
	IssueIsolated         IssueKind = "isolated"
	IssueMissingParameter IssueKind = "missing_parameter"
	IssueInvalidRule      IssueKind = "invalid_rule"
)

// ValidationIssue is one finding from Validate. Issues accumulate; they are
// never returned as Go errors.
type ValidationIssue struct {
	Kind      IssueKind `json:"kind"`
	NodeID    string    `json:"nodeId"`
	Parameter string    `json:"parameter,omitempty"`
	Message   string    `json:"message"`
}

func (i ValidationIssue) String() string {
	return i.Message
}

// ValidationReport is the outcome of Validate.
type ValidationReport struct {
	IsValid bool              `json:"isValid"`
	Errors  []ValidationIssue `json:"errors"`
}
