package activity

import (
	"context"
	"log/slog"

	json "github.com/goccy/go-json"

	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/pkg/schema"
)

// WorkflowDeps holds the dependencies injected into the workflow-scoped
// builtins. Wired after the store exists, so these register separately from
// the dependency-free builtins.
type WorkflowDeps struct {
	Store  store.Store
	Logger *slog.Logger
}

// WorkflowActivities returns the builtins that need a store or logger:
// workflow (child executions), wait (suspend for signal) and log.
func WorkflowActivities(deps WorkflowDeps) []Activity {
	return []Activity{
		&workflowActivity{deps: deps},
		&waitActivity{},
		&logActivity{deps: deps},
	}
}

// RegisterWorkflowActivities registers the workflow-scoped builtins.
func RegisterWorkflowActivities(reg *Registry, deps WorkflowDeps) error {
	for _, a := range WorkflowActivities(deps) {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// --- workflow ---

// workflowActivity spawns a child execution of another workflow. With
// wait=true the node suspends until the child's completion signal arrives,
// then folds the child's report into state; otherwise it is fire-and-forget.
//
// Creation is at-least-once: a crash between creating the child and
// persisting the suspend re-runs the node and may spawn a second child.
type workflowActivity struct {
	deps WorkflowDeps
}

func (a *workflowActivity) Name() string { return "workflow" }

func (a *workflowActivity) Descriptor() Descriptor {
	return Descriptor{
		Description: "Start a child execution of another workflow, optionally waiting for it to finish.",
		ConfigSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "workflow_id": {"type": "string"},
    "version": {"type": "integer"},
    "trigger": {"type": "object"},
    "wait": {"type": "boolean", "default": false},
    "output_key": {"type": "string"}
  },
  "required": ["workflow_id"]
}`),
	}
}

func (a *workflowActivity) Validate(config map[string]any) error {
	if stringParam(config, "workflow_id", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow: missing required param 'workflow_id'")
	}
	return nil
}

func (a *workflowActivity) Execute(ctx context.Context, in Input) (*Result, error) {
	if a.deps.Store == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "workflow: store not configured")
	}

	// Resumed after the child finished: fold its report into state.
	if len(in.Resume) > 0 {
		return a.foldChildReport(in)
	}

	workflowID := stringParam(in.Config, "workflow_id", "")
	if workflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow: missing required param 'workflow_id'")
	}
	wait := boolParam(in.Config, "wait", false)

	version := intParam(in.Config, "version", 0)
	if version <= 0 {
		def, err := a.deps.Store.LatestDefinition(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		version = def.Version
	}

	var trigger json.RawMessage
	if raw, ok := in.Config["trigger"]; ok && raw != nil {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow: invalid 'trigger'").WithCause(err)
		}
		trigger = b
	}

	child := &store.Execution{
		WorkflowID:      workflowID,
		WorkflowVersion: version,
		TriggerPayload:  trigger,
		ParentID:        in.ExecutionID,
	}
	if err := a.deps.Store.CreateExecution(ctx, child); err != nil {
		return nil, err
	}

	if wait {
		return &Result{Suspend: true, SignalType: schema.SignalWorkflowCompleted}, nil
	}

	out, err := Output(in, map[string]any{"child_execution_id": child.ID})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "workflow: marshal output: %v", err)
	}
	return &Result{Output: out}, nil
}

// foldChildReport handles the resume invocation after a completion signal.
// A child that did not complete fails the node fatally: its terminal status
// will not change, so retrying cannot produce a different answer.
func (a *workflowActivity) foldChildReport(in Input) (*Result, error) {
	var report struct {
		ExecutionID string          `json:"execution_id"`
		WorkflowID  string          `json:"workflow_id"`
		Status      string          `json:"status"`
		Error       string          `json:"error"`
		Output      json.RawMessage `json:"output"`
	}
	if err := json.Unmarshal(in.Resume, &report); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow: malformed completion signal payload").WithCause(err)
	}

	if report.Status != string(schema.ExecutionCompleted) {
		detail := report.Error
		if detail == "" {
			detail = "child execution " + report.Status
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow: child execution %s finished %s: %s", report.ExecutionID, report.Status, detail)
	}

	var output any
	if len(report.Output) > 0 {
		if err := json.Unmarshal(report.Output, &output); err != nil {
			output = string(report.Output)
		}
	}
	out, err := Output(in, map[string]any{
		"child_execution_id": report.ExecutionID,
		"output":             output,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "workflow: marshal output: %v", err)
	}
	return &Result{Output: out}, nil
}

// --- wait ---

// waitActivity parks the execution until a signal of the configured type
// arrives, then folds the signal payload into state.
type waitActivity struct{}

func (a *waitActivity) Name() string { return "wait" }

func (a *waitActivity) Descriptor() Descriptor {
	return Descriptor{
		Description: "Suspend the execution until a signal of the given type arrives.",
		ConfigSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "signal_type": {"type": "string"},
    "output_key": {"type": "string"}
  },
  "required": ["signal_type"]
}`),
	}
}

func (a *waitActivity) Validate(config map[string]any) error {
	if stringParam(config, "signal_type", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "wait: missing required param 'signal_type'")
	}
	return nil
}

func (a *waitActivity) Execute(_ context.Context, in Input) (*Result, error) {
	if len(in.Resume) > 0 {
		var payload any
		if err := json.Unmarshal(in.Resume, &payload); err != nil {
			payload = string(in.Resume)
		}
		out, err := Output(in, payload)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "wait: marshal output: %v", err)
		}
		return &Result{Output: out}, nil
	}

	signalType := stringParam(in.Config, "signal_type", "")
	if signalType == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "wait: missing required param 'signal_type'")
	}
	return &Result{Suspend: true, SignalType: signalType}, nil
}

// --- log ---

// logActivity writes a structured log entry with execution context. The
// message usually carries ${...} references resolved before execution.
type logActivity struct {
	deps WorkflowDeps
}

func (a *logActivity) Name() string { return "log" }

func (a *logActivity) Descriptor() Descriptor {
	return Descriptor{
		Description: "Write a structured log entry with execution context.",
		ConfigSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "level": {"type": "string", "enum": ["debug","info","warn","error"], "default": "info"},
    "message": {"type": "string"},
    "data": {}
  },
  "required": ["message"]
}`),
	}
}

func (a *logActivity) Validate(config map[string]any) error {
	if stringParam(config, "message", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "log: missing required param 'message'")
	}
	return nil
}

func (a *logActivity) Execute(_ context.Context, in Input) (*Result, error) {
	level := stringParam(in.Config, "level", "info")
	message := stringParam(in.Config, "message", "")

	attrs := []any{
		slog.String("execution_id", in.ExecutionID),
		slog.String("workflow_id", in.WorkflowID),
	}
	if in.Node != nil {
		attrs = append(attrs, slog.String("node_id", in.Node.ID))
	}
	if data, ok := in.Config["data"]; ok {
		attrs = append(attrs, slog.Any("data", data))
	}

	logger := a.deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch level {
	case "debug":
		logger.Debug(message, attrs...)
	case "warn":
		logger.Warn(message, attrs...)
	case "error":
		logger.Error(message, attrs...)
	default:
		logger.Info(message, attrs...)
	}

	return &Result{}, nil
}
