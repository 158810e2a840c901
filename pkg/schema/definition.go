package schema

import "encoding/json"

// WorkflowDefinition is the import/export wire shape of a workflow graph:
// the full node and edge set of one workflow, independent of storage IDs.
type WorkflowDefinition struct {
	Name        string                 `json:"name"`
	Nodes       []NodeDefinition       `json:"nodes"`
	Connections []ConnectionDefinition `json:"connections,omitempty"`
}

// NodeDefinition is one node of a WorkflowDefinition. Config is the raw
// per-type config block, validated against the type's shape.
type NodeDefinition struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Label  string          `json:"label,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// ConnectionDefinition is one directed edge of a WorkflowDefinition.
// Position preserves authoring order among edges sharing a source.
type ConnectionDefinition struct {
	ID            string `json:"id"`
	Source        string `json:"source"`
	Target        string `json:"target"`
	ConditionType string `json:"conditionType,omitempty"`
	SourceHandle  string `json:"sourceHandle,omitempty"`
	Position      int    `json:"position,omitempty"`
}
