package logging

import (
	"context"
	"log/slog"
)

// correlation is the set of IDs riding a request context. It travels as
// one value under one key: deriving a child context copies the struct,
// so overrides shadow without mutating the parent.
type correlation struct {
	workflowID  string
	executionID string
	nodeID      string
	workerID    string
	scheduleID  string
}

type correlationKey struct{}

func fromContext(ctx context.Context) correlation {
	c, _ := ctx.Value(correlationKey{}).(correlation)
	return c
}

func (c correlation) into(ctx context.Context) context.Context {
	return context.WithValue(ctx, correlationKey{}, c)
}

// attrs returns the non-empty IDs as slog attributes.
func (c correlation) attrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, 5)
	if c.workflowID != "" {
		attrs = append(attrs, slog.String("workflow_id", c.workflowID))
	}
	if c.executionID != "" {
		attrs = append(attrs, slog.String("execution_id", c.executionID))
	}
	if c.nodeID != "" {
		attrs = append(attrs, slog.String("node_id", c.nodeID))
	}
	if c.workerID != "" {
		attrs = append(attrs, slog.String("worker_id", c.workerID))
	}
	if c.scheduleID != "" {
		attrs = append(attrs, slog.String("schedule_id", c.scheduleID))
	}
	return attrs
}

// WithWorkflowID returns a context with the workflow ID set.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	c := fromContext(ctx)
	c.workflowID = id
	return c.into(ctx)
}

// WithExecutionID returns a context with the execution ID set.
func WithExecutionID(ctx context.Context, id string) context.Context {
	c := fromContext(ctx)
	c.executionID = id
	return c.into(ctx)
}

// WithNodeID returns a context with the node ID set.
func WithNodeID(ctx context.Context, id string) context.Context {
	c := fromContext(ctx)
	c.nodeID = id
	return c.into(ctx)
}

// WithWorkerID returns a context with the worker identity set.
func WithWorkerID(ctx context.Context, id string) context.Context {
	c := fromContext(ctx)
	c.workerID = id
	return c.into(ctx)
}

// WithScheduleID returns a context with the schedule ID set.
func WithScheduleID(ctx context.Context, id string) context.Context {
	c := fromContext(ctx)
	c.scheduleID = id
	return c.into(ctx)
}

// WithExecution sets the workflow, execution, and node IDs at once.
func WithExecution(ctx context.Context, workflowID, executionID, nodeID string) context.Context {
	c := fromContext(ctx)
	c.workflowID = workflowID
	c.executionID = executionID
	c.nodeID = nodeID
	return c.into(ctx)
}

// WorkflowID extracts the workflow ID from the context, or "" if absent.
func WorkflowID(ctx context.Context) string {
	return fromContext(ctx).workflowID
}

// ExecutionID extracts the execution ID from the context, or "" if absent.
func ExecutionID(ctx context.Context) string {
	return fromContext(ctx).executionID
}

// NodeID extracts the node ID from the context, or "" if absent.
func NodeID(ctx context.Context) string {
	return fromContext(ctx).nodeID
}

// WorkerID extracts the worker identity from the context, or "" if absent.
func WorkerID(ctx context.Context) string {
	return fromContext(ctx).workerID
}

// ScheduleID extracts the schedule ID from the context, or "" if absent.
func ScheduleID(ctx context.Context) string {
	return fromContext(ctx).scheduleID
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	attrs := fromContext(ctx).attrs()
	if len(attrs) == 0 {
		return logger
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return logger.With(args...)
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs := fromContext(ctx).attrs(); len(attrs) > 0 {
		r.AddAttrs(attrs...)
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
