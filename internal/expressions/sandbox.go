package expressions

import (
	"context"
	"time"

	"github.com/flowdhq/flowd/pkg/schema"
)

// DefaultSandboxBudget is the wall-clock limit applied to a single
// expression or script evaluation when none is configured.
const DefaultSandboxBudget = 5 * time.Second

// Sandbox enforces a hard wall-clock budget on expression evaluation.
// Evaluation runs on its own goroutine; on deadline the goroutine is
// abandoned and a timeout error returned, so a runaway script can never
// stall the engine.
type Sandbox struct {
	budget time.Duration
}

// NewSandbox creates a sandbox with the given budget. Non-positive values
// fall back to DefaultSandboxBudget.
func NewSandbox(budget time.Duration) *Sandbox {
	if budget <= 0 {
		budget = DefaultSandboxBudget
	}
	return &Sandbox{budget: budget}
}

// Budget returns the configured wall-clock limit.
func (s *Sandbox) Budget() time.Duration {
	return s.budget
}

// Run evaluates expression through eng, bounded by the sandbox budget.
// Panics inside the evaluation surface as errors, never as crashes.
func (s *Sandbox) Run(ctx context.Context, eng Engine, expression string, data map[string]any) (any, error) {
	type outcome struct {
		val any
		err error
	}

	evalCtx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: schema.NewErrorf(schema.ErrCodeNodeExecution,
					"%s evaluation panicked: %v", eng.Name(), r)}
			}
		}()
		val, err := eng.Evaluate(evalCtx, expression, data)
		ch <- outcome{val: val, err: err}
	}()

	select {
	case out := <-ch:
		return out.val, out.err
	case <-evalCtx.Done():
		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "evaluation cancelled").
				WithCause(ctx.Err())
		}
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"%s evaluation exceeded %s budget", eng.Name(), s.budget).
			WithDetails(map[string]any{"expression": expression, "budget": s.budget.String()})
	}
}
