package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowdhq/flowd/pkg/schema"
)

func newValidator(t *testing.T) *DefinitionValidator {
	t.Helper()
	v, err := NewDefinitionValidator()
	require.NoError(t, err)
	return v
}

func validDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			{ID: "s", Type: schema.NodeTypeStart},
			{ID: "a", Type: schema.NodeTypeAction, Config: json.RawMessage(`{"name":"ping"}`)},
			{ID: "e", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "s", Target: "a"},
			{Source: "a", Target: "e", Condition: "result.ok == true"},
		},
		Variables: map[string]any{"region": "emea"},
	}
}

func TestValidateDefinitionOK(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidateDefinition(validDefinition()))
}

func TestValidateDefinitionNil(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateDefinition(nil)
	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeDefinitionInvalid, ferr.Code)
}

func TestValidateDefinitionUnknownNodeType(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Nodes[1].Type = "teleport"

	err := v.ValidateDefinition(def)
	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeDefinitionInvalid, ferr.Code)
}

func TestValidateDefinitionMissingNodeID(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Nodes[0].ID = ""

	err := v.ValidateDefinition(def)
	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeDefinitionInvalid, ferr.Code)
}

func TestValidateDefinitionDuplicateNodeID(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Nodes = append(def.Nodes, schema.NodeDefinition{ID: "a", Type: schema.NodeTypeEnd})

	err := v.ValidateDefinition(def)
	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Contains(t, ferr.Message, "duplicate node id")
}

func TestValidateDefinitionNoNodes(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateDefinition(&schema.WorkflowDefinition{Edges: []schema.EdgeDefinition{}})
	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeDefinitionInvalid, ferr.Code)
}
