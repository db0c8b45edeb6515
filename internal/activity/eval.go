package activity

import (
	"context"
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/rendis/relay/internal/expressions"
	"github.com/rendis/relay/pkg/schema"
)

// EvalActivities returns the three expression-backed builtins: condition
// (CEL branch selection), script (Expr computation) and transform (jq
// state reshaping). CEL environment construction can fail, hence the error.
func EvalActivities() ([]Activity, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return []Activity{
		&conditionActivity{engine: cel},
		&scriptActivity{engine: expressions.NewExprEngine()},
		&transformActivity{engine: expressions.NewGoJQEngine()},
	}, nil
}

// --- condition ---

// conditionActivity evaluates a CEL expression and routes the execution
// along the out-edge whose label matches the result. Booleans map to the
// "true"/"false" labels; strings are used as labels directly.
type conditionActivity struct {
	engine *expressions.CELEngine
}

func (a *conditionActivity) Name() string { return "condition" }

func (a *conditionActivity) Descriptor() Descriptor {
	return Descriptor{
		Description: "Evaluate a CEL expression and select the matching out-edge by label.",
		ConfigSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "expression": {"type": "string"},
    "output_key": {"type": "string"}
  },
  "required": ["expression"]
}`),
	}
}

func (a *conditionActivity) Validate(config map[string]any) error {
	if stringParam(config, "expression", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "condition: missing required param 'expression'")
	}
	return nil
}

func (a *conditionActivity) Execute(ctx context.Context, in Input) (*Result, error) {
	expression := stringParam(in.Config, "expression", "")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "condition: missing required param 'expression'")
	}

	value, err := a.engine.Evaluate(ctx, expression, in.Scope.Map())
	if err != nil {
		return nil, err
	}

	branch, err := branchLabel(value)
	if err != nil {
		return nil, err
	}

	// The chosen branch lands in state under the node's key.
	out, err := Output(in, branch)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "condition: marshal output: %v", err)
	}
	return &Result{Output: out, NextNodeID: branch}, nil
}

// branchLabel converts an expression result into an edge label.
func branchLabel(v any) (string, error) {
	switch val := v.(type) {
	case bool:
		return strconv.FormatBool(val), nil
	case string:
		if val == "" {
			return "", schema.NewError(schema.ErrCodeValidation, "condition: expression produced an empty branch label")
		}
		return val, nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"condition: expression must produce a bool or string branch label, got %T", v)
	}
}

// --- script ---

// scriptActivity evaluates an Expr expression against the scope and folds
// the result into state.
type scriptActivity struct {
	engine *expressions.ExprEngine
}

func (a *scriptActivity) Name() string { return "script" }

func (a *scriptActivity) Descriptor() Descriptor {
	return Descriptor{
		Description: "Evaluate an Expr expression against the execution scope.",
		ConfigSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "expression": {"type": "string"},
    "output_key": {"type": "string"}
  },
  "required": ["expression"]
}`),
	}
}

func (a *scriptActivity) Validate(config map[string]any) error {
	if stringParam(config, "expression", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "script: missing required param 'expression'")
	}
	return nil
}

func (a *scriptActivity) Execute(ctx context.Context, in Input) (*Result, error) {
	expression := stringParam(in.Config, "expression", "")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "script: missing required param 'expression'")
	}

	value, err := a.engine.Evaluate(ctx, expression, in.Scope.Map())
	if err != nil {
		return nil, err
	}

	out, err := Output(in, normalizeValue(value))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "script: marshal output: %v", err)
	}
	return &Result{Output: out}, nil
}

// --- transform ---

// transformActivity runs a jq query over the scope. Without an output_key
// an object result replaces whole keys of the state document, which is the
// point of a transform node.
type transformActivity struct {
	engine *expressions.GoJQEngine
}

func (a *transformActivity) Name() string { return "transform" }

func (a *transformActivity) Descriptor() Descriptor {
	return Descriptor{
		Description: "Reshape execution state with a jq query.",
		ConfigSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string"},
    "all": {"type": "boolean", "default": false},
    "output_key": {"type": "string"}
  },
  "required": ["query"]
}`),
	}
}

func (a *transformActivity) Validate(config map[string]any) error {
	if stringParam(config, "query", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "transform: missing required param 'query'")
	}
	return nil
}

func (a *transformActivity) Execute(ctx context.Context, in Input) (*Result, error) {
	query := stringParam(in.Config, "query", "")
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform: missing required param 'query'")
	}

	var value any
	var err error
	if boolParam(in.Config, "all", false) {
		var values []any
		values, err = a.engine.EvaluateAll(ctx, query, in.Scope.Map())
		value = values
	} else {
		value, err = a.engine.Evaluate(ctx, query, in.Scope.Map())
	}
	if err != nil {
		return nil, err
	}

	out, err := Output(in, value)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "transform: marshal output: %v", err)
	}
	return &Result{Output: out}, nil
}

// normalizeValue round-trips non-JSON-native values (structs, typed ints)
// through JSON so Output always encodes cleanly.
func normalizeValue(v any) any {
	switch v.(type) {
	case nil, bool, string, float64, int, int64, map[string]any, []any:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return out
}
