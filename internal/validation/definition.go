package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowdhq/flowd/pkg/schema"
)

// definitionSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowd.dev/schemas/workflow-definition.json",
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "variables": {
      "type": "object"
    }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "name": { "type": "string" },
        "type": {
          "type": "string",
          "enum": ["start", "end", "action", "condition", "script", "http_request", "email", "delay", "database"]
        },
        "config": {}
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "id": { "type": "string" },
        "source": {
          "type": "string",
          "minLength": 1
        },
        "target": {
          "type": "string",
          "minLength": 1
        },
        "condition": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// DefinitionValidator checks workflow definitions against the embedded
// JSON Schema plus structural rules the schema cannot express.
// It is safe for concurrent use.
type DefinitionValidator struct {
	compiled *jsonschema.Schema
}

// NewDefinitionValidator compiles the embedded definition schema.
func NewDefinitionValidator() (*DefinitionValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource("https://flowd.dev/schemas/workflow-definition.json", doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}

	compiled, err := c.Compile("https://flowd.dev/schemas/workflow-definition.json")
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}

	return &DefinitionValidator{compiled: compiled}, nil
}

// ValidateDefinition validates shape and id uniqueness. Graph-level rules
// (single start, reachable end, dangling edges) live with the graph builder.
func (v *DefinitionValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeDefinitionInvalid, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeDefinitionInvalid, "failed to serialize workflow definition").WithCause(err)
	}

	if err := v.compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}

	seenNodes := make(map[string]struct{}, len(def.Nodes))
	for _, node := range def.Nodes {
		if _, exists := seenNodes[node.ID]; exists {
			return schema.NewErrorf(schema.ErrCodeDefinitionInvalid,
				"duplicate node id %q", node.ID)
		}
		seenNodes[node.ID] = struct{}{}
	}

	seenEdges := make(map[string]struct{}, len(def.Edges))
	for _, edge := range def.Edges {
		if edge.ID == "" {
			continue
		}
		if _, exists := seenEdges[edge.ID]; exists {
			return schema.NewErrorf(schema.ErrCodeDefinitionInvalid,
				"duplicate edge id %q", edge.ID)
		}
		seenEdges[edge.ID] = struct{}{}
	}

	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// the leaf violations collected into details.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeDefinitionInvalid, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeDefinitionInvalid, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeDefinitionInvalid, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("definition invalid with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeDefinitionInvalid, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
