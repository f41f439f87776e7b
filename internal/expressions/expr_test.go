package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowdhq/flowd/pkg/schema"
)

func newScriptEngine() *ExprEngine {
	return NewExprEngine(NewGoJQEngine())
}

func TestScriptTopLevelVariables(t *testing.T) {
	eng := newScriptEngine()

	out, err := eng.Evaluate(context.Background(), "amount * 2", map[string]any{
		"amount": 21,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 42, out)
}

func TestScriptGetHelper(t *testing.T) {
	eng := newScriptEngine()

	data := map[string]any{
		"order": map[string]any{
			"lines": []any{
				map[string]any{"sku": "A-1", "qty": 2},
			},
		},
	}
	out, err := eng.Evaluate(context.Background(), `get(order, "lines[0].sku")`, data)
	require.NoError(t, err)
	assert.Equal(t, "A-1", out)

	out, err = eng.Evaluate(context.Background(), `get(order, "missing.path")`, data)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestScriptJQHelper(t *testing.T) {
	eng := newScriptEngine()

	data := map[string]any{
		"payload": map[string]any{
			"items": []any{
				map[string]any{"price": 10},
				map[string]any{"price": 32},
			},
		},
	}
	out, err := eng.Evaluate(context.Background(), `jq("[.items[].price] | add", payload)`, data)
	require.NoError(t, err)
	assert.EqualValues(t, 42, out)
}

func TestScriptCollectionBuiltins(t *testing.T) {
	eng := newScriptEngine()

	out, err := eng.Evaluate(context.Background(), "filter(nums, # > 2)", map[string]any{
		"nums": []any{1, 2, 3, 4},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{3, 4}, out)
}

func TestScriptUndefinedVariableIsNil(t *testing.T) {
	eng := newScriptEngine()

	out, err := eng.Evaluate(context.Background(), "unknown == nil", nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestScriptCompileError(t *testing.T) {
	eng := newScriptEngine()

	_, err := eng.Evaluate(context.Background(), "1 +", nil)
	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeValidation, ferr.Code)
}

func TestJQBlocksEnvAccess(t *testing.T) {
	jq := NewGoJQEngine()

	out, err := jq.Evaluate(context.Background(), "$ENV", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, out)
}
