package expressions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowdhq/flowd/pkg/schema"
)

type blockingEngine struct{}

func (blockingEngine) Name() string { return "blocking" }

func (blockingEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	time.Sleep(10 * time.Second)
	return "late", nil
}

type panickyEngine struct{}

func (panickyEngine) Name() string { return "panicky" }

func (panickyEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	panic("boom")
}

func TestSandboxTimeout(t *testing.T) {
	sb := NewSandbox(50 * time.Millisecond)

	start := time.Now()
	_, err := sb.Run(context.Background(), blockingEngine{}, "spin", nil)
	elapsed := time.Since(start)

	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeTimeout, ferr.Code)
	assert.Less(t, elapsed, 5*time.Second, "sandbox abandons the goroutine instead of waiting")
}

func TestSandboxRecoverPanic(t *testing.T) {
	sb := NewSandbox(time.Second)

	_, err := sb.Run(context.Background(), panickyEngine{}, "boom", nil)
	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeNodeExecution, ferr.Code)
}

func TestSandboxPassThrough(t *testing.T) {
	sb := NewSandbox(time.Second)
	eng, err := NewCELEngine()
	require.NoError(t, err)

	out, err := sb.Run(context.Background(), eng, "context.x + 1", map[string]any{
		"context": map[string]any{"x": 41},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 42, out)
}

func TestSandboxDefaultBudget(t *testing.T) {
	sb := NewSandbox(0)
	assert.Equal(t, DefaultSandboxBudget, sb.Budget())
}
