package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine implements Engine using expr-lang/expr. Script nodes use it for
// deterministic logic over the scope: let bindings, array operations (filter,
// map, count, any, all, sum), string helpers, nil coalescing (??), optional
// chaining (?.) and pipe chaining (|).
// Thread-safe: compiled *vm.Program objects are cached and reused across
// goroutines.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

// NewExprEngine returns an Expr engine with an empty program cache.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) an Expr program and runs it
// with the scope map as its environment, making the five namespaces
// available as top-level variables.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptySourceError("expr")
	}

	prg, err := e.programs.lookup(expression, compileExpr)
	if err != nil {
		return nil, err
	}

	if data == nil {
		data = map[string]any{}
	}

	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, evalError("expr", expression, err)
	}

	return out, nil
}

// compileExpr compiles without a typed environment: the scope is always
// a plain map and undefined namespaces resolve to nil, which the ??
// operator handles.
func compileExpr(src string) (*vm.Program, error) {
	prg, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, compileError("expr", src, err)
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
