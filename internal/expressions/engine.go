package expressions

import (
	"context"

	"github.com/rendis/relay/pkg/schema"
)

// Engine evaluates a single expression against the node evaluation scope.
// Three implementations ship with relay: CEL for branch conditions, GoJQ for
// state transforms, and Expr for script nodes. All three cache compiled
// programs and are safe for concurrent use.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// emptySourceError reports a blank expression before it reaches a compiler.
func emptySourceError(engine string) error {
	return schema.NewError(schema.ErrCodeValidation, engine+": empty expression")
}

// compileError wraps a compilation failure as a fatal validation error.
// Bad source text never fixes itself, so retrying is pointless.
func compileError(engine, src string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"%s compile error in %q: %s", engine, src, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": src})
}

// evalError wraps a runtime failure. These can be data-dependent, so the
// retry policy decides what happens next.
func evalError(engine, src string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExecution,
		"%s evaluation failed for %q: %s", engine, src, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": src})
}
