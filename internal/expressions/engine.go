package expressions

import "context"

// Engine evaluates expressions against execution data.
// Three implementations: CEL (conditions), Expr (scripts), GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
