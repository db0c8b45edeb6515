package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELEngine implements Engine using Google's Common Expression Language.
// Condition nodes use it for branch selection: an expression like
// `state.order.total > 100 && trigger.source == "api"` evaluates against the
// node scope and picks the outgoing edge. Safe for concurrent use; programs
// compile once and live in a shared cache.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine with a sandboxed environment. The
// environment declares the five scope namespaces (state, trigger, signal,
// node, env) as map(string, dyn) variables; nothing else is reachable.
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	opts := make([]cel.EnvOption, 0, len(scopeNamespaces))
	for _, name := range scopeNamespaces {
		opts = append(opts, cel.Variable(name, mapType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("cel environment setup: %w", err)
	}

	return &CELEngine{
		env:      env,
		programs: newProgramCache[cel.Program](),
	}, nil
}

func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates
// it against the provided scope map. Missing namespaces default to empty
// maps so conditions can probe optional data without runtime errors.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptySourceError("cel")
	}

	prg, err := e.programs.lookup(expression, e.compile)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, activationFor(data))
	if err != nil {
		return nil, evalError("cel", expression, err)
	}

	return out.Value(), nil
}

func (e *CELEngine) compile(src string) (cel.Program, error) {
	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, compileError("cel", src, issues.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileError("cel", src, err)
	}
	return prg, nil
}

// activationFor pads absent namespaces with empty maps so CEL never sees
// a nil variable reference.
func activationFor(data map[string]any) map[string]any {
	activation := make(map[string]any, len(scopeNamespaces))
	for _, name := range scopeNamespaces {
		activation[name] = map[string]any{}
		if v, ok := data[name]; ok && v != nil {
			activation[name] = v
		}
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
