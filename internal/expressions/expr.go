package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/flowdhq/flowd/pkg/schema"
)

// ExprEngine runs script nodes using expr-lang/expr. Scripts get the
// execution context as top-level variables plus a whitelisted helper
// surface; there is no filesystem, network or process access.
// Thread-safe: compiled *vm.Program objects are cached and reused.
type ExprEngine struct {
	jq *GoJQEngine

	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new script engine. Helper functions:
//   - get(data, path): deep lookup with dot and [n] syntax, nil when absent
//   - jq(expression, data): jq transform over data
func NewExprEngine(jq *GoJQEngine) *ExprEngine {
	return &ExprEngine{
		jq:    jq,
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) a script and runs it against
// the provided data. The data map is injected as the environment, making
// all keys available as top-level variables.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty script source")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	env := map[string]any{}
	for k, v := range data {
		env[k] = v
	}
	e.installHelpers(ctx, env)

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution,
			"script failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"source": expression})
	}

	return out, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"script compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"source": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// installHelpers adds the whitelisted helper functions to the run environment.
func (e *ExprEngine) installHelpers(ctx context.Context, env map[string]any) {
	env["get"] = func(data map[string]any, path string) any {
		val, ok := LookupPath(data, path)
		if !ok {
			return nil
		}
		return val
	}
	env["jq"] = func(expression string, data map[string]any) (any, error) {
		return e.jq.Evaluate(ctx, expression, data)
	}
}

var _ Engine = (*ExprEngine)(nil)
