package graph

import (
	"fmt"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/condition"
)

// Validate reports isolated nodes and required parameters that have no
// value. Every problem is collected; there is no early exit. A graph with
// zero nodes is valid.
func (g *Graph) Validate() ValidationReport {
	report := ValidationReport{Errors: []ValidationIssue{}}

	for _, id := range g.nodeIDs() {
		node := g.nodes[id]

		if len(g.forward[id]) == 0 && len(g.reverse[id]) == 0 {
			report.Errors = append(report.Errors, ValidationIssue{
				Kind:    IssueIsolated,
				NodeID:  id,
				Message: fmt.Sprintf("node %s is isolated (no incoming or outgoing connections)", id),
			})
		}

		values := node.Values()
		for _, name := range node.ParameterNames() {
			param := node.Parameters[name]
			required, err := isRequired(param, values)
			if err != nil {
				report.Errors = append(report.Errors, ValidationIssue{
					Kind:      IssueInvalidRule,
					NodeID:    id,
					Parameter: name,
					Message:   fmt.Sprintf("node %s: parameter %q has an invalid requiredWhen rule: %v", id, name, err),
				})
				continue
			}
			if required && !param.Value.IsSet() {
				report.Errors = append(report.Errors, ValidationIssue{
					Kind:      IssueMissingParameter,
					NodeID:    id,
					Parameter: name,
					Message:   fmt.Sprintf("node %s: required parameter %q is not set", id, name),
				})
			}
		}
	}

	report.IsValid = len(report.Errors) == 0
	return report
}

func isRequired(p Parameter, values map[string]any) (bool, error) {
	if p.Required {
		return true, nil
	}
	if p.RequiredWhen == "" {
		return false, nil
	}
	return condition.EvalBool(p.RequiredWhen, values)
}
