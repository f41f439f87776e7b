package schema

import (
	"encoding/json"
	"fmt"
)

// NodeType identifies the behavior of a workflow node. The set is closed:
// unknown types are rejected at validation time.
type NodeType string

const (
	NodeTypeStart       NodeType = "start"
	NodeTypeEnd         NodeType = "end"
	NodeTypeAction      NodeType = "action"
	NodeTypeCondition   NodeType = "condition"
	NodeTypeScript      NodeType = "script"
	NodeTypeHTTPRequest NodeType = "http_request"
	NodeTypeEmail       NodeType = "email"
	NodeTypeDelay       NodeType = "delay"
	NodeTypeDatabase    NodeType = "database"
)

// KnownNodeTypes is the closed set of node types the engine dispatches on.
var KnownNodeTypes = map[NodeType]struct{}{
	NodeTypeStart:       {},
	NodeTypeEnd:         {},
	NodeTypeAction:      {},
	NodeTypeCondition:   {},
	NodeTypeScript:      {},
	NodeTypeHTTPRequest: {},
	NodeTypeEmail:       {},
	NodeTypeDelay:       {},
	NodeTypeDatabase:    {},
}

// TriggerType declares how a workflow is started.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
	TriggerEvent     TriggerType = "event"
	TriggerWebhook   TriggerType = "webhook"
)

// WorkflowDefinition is the declarative graph a workflow executes:
// nodes connected by directed edges, plus initial context variables.
type WorkflowDefinition struct {
	Nodes     []NodeDefinition `json:"nodes"`
	Edges     []EdgeDefinition `json:"edges"`
	Variables map[string]any   `json:"variables,omitempty"`
}

// NodeDefinition is a single node of the graph. Config carries the
// type-specific payload and is decoded lazily by the node handler.
type NodeDefinition struct {
	ID     string          `json:"id"`
	Name   string          `json:"name,omitempty"`
	Type   NodeType        `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// EdgeDefinition connects two nodes. An optional CEL condition gates the
// edge: after the source node completes, only edges whose condition
// evaluates true (or is empty) are followed.
type EdgeDefinition struct {
	ID        string `json:"id,omitempty"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
}

// TriggerConfig is the decoded trigger_config payload of a workflow.
type TriggerConfig struct {
	Cron    string `json:"cron,omitempty"`
	Subject string `json:"subject,omitempty"`
}

// ConditionResultKey is the reserved context key condition nodes write
// their boolean result under.
const ConditionResultKey = "condition_result"

// ScriptResultKey is the reserved context key script nodes write their
// result under.
const ScriptResultKey = "result"

// ActionConfig dispatches a named action to a sibling service over the bus.
type ActionConfig struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Timeout    string         `json:"timeout,omitempty"`
}

// ConditionConfig evaluates a CEL expression against the execution context.
type ConditionConfig struct {
	Expression string `json:"expression"`
}

// ScriptConfig runs a sandboxed expr program.
type ScriptConfig struct {
	Source  string `json:"source"`
	Timeout string `json:"timeout,omitempty"`
}

// HTTPRequestConfig performs an outbound HTTP call.
type HTTPRequestConfig struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
}

// EmailConfig enqueues an email through the notification service.
type EmailConfig struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// DelayConfig parks the branch for a fixed duration.
type DelayConfig struct {
	Duration string `json:"duration"`
}

// DatabaseConfig dispatches a data operation to the owning service.
type DatabaseConfig struct {
	Operation  string         `json:"operation"`
	Table      string         `json:"table"`
	Data       map[string]any `json:"data,omitempty"`
	Conditions map[string]any `json:"conditions,omitempty"`
}

// DecodeConfig unmarshals the node's raw config into dst. A nil config
// leaves dst at its zero value.
func (n *NodeDefinition) DecodeConfig(dst any) error {
	if len(n.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(n.Config, dst); err != nil {
		return NewErrorf(ErrCodeDefinitionInvalid,
			"node %s: invalid %s config: %s", n.ID, n.Type, err.Error()).
			WithNode(n.ID).WithCause(err)
	}
	return nil
}

// Start returns the single start node, or an error if the definition does
// not contain exactly one.
func (d *WorkflowDefinition) Start() (*NodeDefinition, error) {
	var start *NodeDefinition
	for i := range d.Nodes {
		if d.Nodes[i].Type != NodeTypeStart {
			continue
		}
		if start != nil {
			return nil, NewError(ErrCodeDefinitionInvalid, "definition has more than one start node")
		}
		start = &d.Nodes[i]
	}
	if start == nil {
		return nil, NewError(ErrCodeDefinitionInvalid, "definition has no start node")
	}
	return start, nil
}

// Node returns the node with the given id.
func (d *WorkflowDefinition) Node(id string) (*NodeDefinition, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the definition via a JSON round-trip, so
// instantiated workflows never alias template state.
func (d *WorkflowDefinition) Clone() (*WorkflowDefinition, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("clone definition: %w", err)
	}
	var out WorkflowDefinition
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("clone definition: %w", err)
	}
	return &out, nil
}
