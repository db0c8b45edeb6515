package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// GoJQEngine implements Engine using GoJQ. Transform nodes use it to filter,
// reshape and aggregate the accumulated state: the scope map is the input
// document and the jq program's output becomes the node output.
// Thread-safe: compiled *gojq.Code objects are cached and reused across
// goroutines.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

// NewGoJQEngine returns a jq engine with an empty program cache.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache[*gojq.Code]()}
}

func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate compiles (or retrieves from cache) a jq program and runs it with
// the scope map as input. jq programs can emit multiple values: a single
// output is returned directly, multiple outputs are collected into []any,
// zero outputs yield nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	results, err := e.EvaluateAll(ctx, expression, data)
	if err != nil {
		return nil, err
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// EvaluateAll is like Evaluate but always returns the full output stream,
// even when it is empty or has a single value.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, expression string, data map[string]any) ([]any, error) {
	if expression == "" {
		return nil, emptySourceError("jq")
	}

	code, err := e.programs.lookup(expression, compileJQ)
	if err != nil {
		return nil, err
	}

	if data == nil {
		data = map[string]any{}
	}

	var results []any
	iter := code.RunWithContext(ctx, jqValue(data))
	for v, ok := iter.Next(); ok; v, ok = iter.Next() {
		if err, failed := v.(error); failed {
			return nil, evalError("jq", expression, err)
		}
		results = append(results, v)
	}

	return results, nil
}

func compileJQ(src string) (*gojq.Code, error) {
	query, err := gojq.Parse(src)
	if err != nil {
		return nil, compileError("jq", src, err)
	}

	code, err := gojq.Compile(query,
		// Sandbox: empty environment blocks $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, compileError("jq", src, err)
	}
	return code, nil
}

// jqValue deep-copies v into the value domain gojq accepts. gojq only
// takes int, float64 and *big.Int as numbers, so the sized numeric types
// that reach the scope (int64 retry counters, float32 from decoded
// payloads) widen to float64.
func jqValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, elem := range val {
			m[k] = jqValue(elem)
		}
		return m
	case []any:
		s := make([]any, len(val))
		for i, elem := range val {
			s[i] = jqValue(elem)
		}
		return s
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
