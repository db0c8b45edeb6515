package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	json "github.com/goccy/go-json"

	"github.com/rendis/relay/internal/engine"
	"github.com/rendis/relay/internal/expressions"
	"github.com/rendis/relay/pkg/schema"
)

// RegistryInvoker adapts a Registry to the engine's Invoker seam. Per
// invocation it builds the evaluation scope, interpolates the node config,
// dispatches to the registered activity and maps the result (or error, or
// panic) to an outcome the engine can feed through the state machine.
type RegistryInvoker struct {
	reg    *Registry
	env    map[string]string
	logger *slog.Logger
}

// InvokerOption configures a RegistryInvoker.
type InvokerOption func(*RegistryInvoker)

// WithEnv exposes operator-provided values under the env namespace.
func WithEnv(env map[string]string) InvokerOption {
	return func(v *RegistryInvoker) { v.env = env }
}

// WithInvokerLogger sets the invoker logger.
func WithInvokerLogger(l *slog.Logger) InvokerOption {
	return func(v *RegistryInvoker) { v.logger = l }
}

// NewRegistryInvoker creates an invoker over the given registry.
func NewRegistryInvoker(reg *Registry, opts ...InvokerOption) *RegistryInvoker {
	v := &RegistryInvoker{
		reg:    reg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Invoke runs one node. It never returns nil and never panics: activity
// panics become fatal outcomes, activity errors are classified as retryable
// or fatal by their code.
func (v *RegistryInvoker) Invoke(ctx context.Context, in engine.InvokeInput) (out *schema.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("activity panicked",
				slog.String("node_id", in.Node.ID),
				slog.String("node_type", in.Node.Type),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			out = schema.FatalFailure(fmt.Sprintf("activity %q panicked: %v", in.Node.Type, r))
		}
	}()

	act, err := v.reg.Get(in.Node.Type)
	if err != nil {
		// Unknown node type cannot heal by retrying.
		return schema.FatalFailure(err.Error())
	}

	scope, err := expressions.BuildScope(expressions.ScopeInput{
		State:           in.State,
		Trigger:         in.Trigger,
		Signal:          in.Resume,
		Node:            in.Node,
		ExecutionID:     in.Execution.ID,
		WorkflowID:      in.Execution.WorkflowID,
		WorkflowVersion: in.Execution.WorkflowVersion,
		RetryCount:      in.Execution.RetryCount,
		Env:             v.env,
	})
	if err != nil {
		return schema.FatalFailure(err.Error())
	}

	cfg, err := v.resolveConfig(in.Node.Config, scope)
	if err != nil {
		return schema.FatalFailure(err.Error())
	}

	res, err := act.Execute(ctx, Input{
		Config:      cfg,
		Scope:       scope,
		Node:        in.Node,
		ExecutionID: in.Execution.ID,
		WorkflowID:  in.Execution.WorkflowID,
		Resume:      in.Resume,
	})
	if err != nil {
		if ctx.Err() != nil {
			// Node timeout or shutdown; the retry policy decides what's next.
			return schema.RetryableFailure(fmt.Sprintf("activity %q interrupted: %v", in.Node.Type, ctx.Err()))
		}
		if Retryable(err) {
			return schema.RetryableFailure(err.Error())
		}
		return schema.FatalFailure(err.Error())
	}
	if res == nil {
		return schema.Succeed(nil)
	}
	if res.Suspend {
		o := schema.SuspendFor(res.SignalType)
		o.Output = res.Output
		return o
	}
	if res.NextNodeID != "" {
		return schema.SucceedNext(res.Output, res.NextNodeID)
	}
	return schema.Succeed(res.Output)
}

// resolveConfig interpolates ${...} references and decodes the config
// document into a map. An absent config yields an empty map so activities
// never see nil.
func (v *RegistryInvoker) resolveConfig(raw json.RawMessage, scope *expressions.Scope) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	resolved, err := expressions.Interpolate(raw, scope)
	if err != nil {
		return nil, err
	}
	var cfg map[string]any
	if err := json.Unmarshal(resolved, &cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "node config is not a JSON object: %v", err).WithCause(err)
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	return cfg, nil
}

// Retryable classifies an activity error. Deterministic failures (bad
// config, missing resources, rejected transitions) are fatal; everything
// else, including plain errors from downstream systems, is assumed
// transient and left to the retry policy.
func Retryable(err error) bool {
	var re *schema.RelayError
	if errors.As(err, &re) {
		switch re.Code {
		case schema.ErrCodeValidation,
			schema.ErrCodeNotFound,
			schema.ErrCodeConflict,
			schema.ErrCodeInvalidTransition,
			schema.ErrCodeCycleDetected,
			schema.ErrCodeCancelled:
			return false
		}
	}
	return true
}
