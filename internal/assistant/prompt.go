package assistant

import (
	"fmt"
	"strings"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/graph"
)

// Operation describes a node type to the model.
type Operation struct {
	Type     graph.OperationType
	Summary  string
	Required []string
	Optional []string
}

var DefaultCatalog = []Operation{
	{graph.HotplateControl, "heat and stir on a hotplate", []string{"temperature"}, []string{"stirringSpeed", "duration"}},
	{graph.PumpControl, "move liquid with a pump", []string{"flowRate"}, []string{"direction", "duration"}},
	{graph.ValveControl, "open, close or switch a valve", []string{"position"}, nil},
	{graph.SensorNode, "take sensor readings", []string{"sensorType"}, []string{"samplingRate"}},
	{graph.DataProcessing, "reduce numbers with sum, count, mean, min or max", []string{"operation"}, []string{"data"}},
	{graph.FileInput, "read a data file", []string{"path"}, nil},
	{graph.FileOutput, "write results to a file", []string{"path"}, []string{"data"}},
}

const documentExample = `{
  "nodes": [
    {"id": "heat", "type": "HotplateControl", "label": "Heat to 80C",
     "parameters": {"temperature": {"value": {"kind": "number", "data": 80}, "required": true}}},
    {"id": "read", "type": "SensorNode",
     "parameters": {"sensorType": {"value": {"kind": "string", "data": "temperature"}, "required": true}}}
  ],
  "edges": [
    {"id": "heat-read", "source": "heat", "target": "read", "type": "sequential"}
  ]
}`

func (d *Drafter) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You design laboratory automation workflows as directed acyclic graphs.\n")
	b.WriteString("Reply with a single JSON document and nothing else.\n\n")
	b.WriteString("Available operations:\n")
	for _, op := range d.catalog {
		fmt.Fprintf(&b, "- %s: %s. Required: %s.", op.Type, op.Summary, strings.Join(op.Required, ", "))
		if len(op.Optional) > 0 {
			fmt.Fprintf(&b, " Optional: %s.", strings.Join(op.Optional, ", "))
		}
		b.WriteByte('\n')
	}
	b.WriteString("\nParameter values are objects with kind (number, string, boolean, array, object, select) and data.\n")
	b.WriteString("Edges point from a step to the step that depends on it. Edge type is sequential, parallel or conditional;\n")
	b.WriteString("conditional edges carry config.condition, an expression over the target's parameters.\n")
	b.WriteString("Never create cycles. Leave a required parameter without a value if the description does not give one.\n\n")
	b.WriteString("Example:\n")
	b.WriteString(documentExample)
	return b.String()
}
