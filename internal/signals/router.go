// Package signals validates and delivers external signals to
// executions. Delivery is two-phase: the signal is durably appended to
// the execution's mailbox first, then routing atomically marks it
// processed and resumes the waiting execution. When routing cannot act
// immediately (the execution is leased, paused or mid-node), the signal
// stays pending and the claim path consumes it instead, so a delivered
// signal is never lost.
package signals

import (
	"context"
	"log/slog"

	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/pkg/schema"
)

// Receipt reports what happened to a delivered signal.
type Receipt struct {
	SignalID    string `json:"signal_id"`
	ExecutionID string `json:"execution_id"`
	// Routed is true when the delivery resumed the execution right
	// away; false means the signal is parked in the mailbox.
	Routed bool `json:"routed"`
}

// Router delivers signals.
type Router struct {
	store  store.Store
	logger *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a Router.
func NewRouter(st store.Store, opts ...Option) *Router {
	r := &Router{store: st, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Deliver validates a signal, appends it to the target execution's
// mailbox and attempts to resume the execution. The append is the
// durable part; a routing failure is only logged, because the pending
// signal remains claimable.
func (r *Router) Deliver(ctx context.Context, sig *schema.Signal) (*Receipt, error) {
	if err := validate(sig); err != nil {
		return nil, err
	}

	row := &store.Signal{
		ExecutionID: sig.ExecutionID,
		Type:        sig.Type,
		Payload:     sig.Payload,
	}
	if err := r.store.SubmitSignal(ctx, row); err != nil {
		return nil, err
	}

	log := r.logger.With(
		slog.String("execution_id", sig.ExecutionID),
		slog.String("signal_type", sig.Type),
		slog.String("signal_id", row.ID))

	routed, err := r.store.RouteSignal(ctx, sig.ExecutionID)
	if err != nil {
		log.Warn("signal parked, routing failed", slog.Any("error", err))
		return &Receipt{SignalID: row.ID, ExecutionID: sig.ExecutionID}, nil
	}
	if routed == nil {
		log.Debug("signal parked, execution not waiting")
		return &Receipt{SignalID: row.ID, ExecutionID: sig.ExecutionID}, nil
	}

	log.Info("signal routed", slog.String("routed_signal_id", routed.ID))
	return &Receipt{SignalID: row.ID, ExecutionID: sig.ExecutionID, Routed: true}, nil
}

// Nudge retries routing for an execution without delivering anything
// new. Returns true when a pending signal resumed the execution.
func (r *Router) Nudge(ctx context.Context, executionID string) (bool, error) {
	routed, err := r.store.RouteSignal(ctx, executionID)
	if err != nil {
		return false, err
	}
	return routed != nil, nil
}

// Pending lists the unprocessed and processed signals of an execution.
func (r *Router) Pending(ctx context.Context, executionID string) ([]*store.Signal, error) {
	return r.store.ListSignals(ctx, executionID)
}

func validate(sig *schema.Signal) error {
	if sig == nil {
		return schema.NewError(schema.ErrCodeValidation, "signal is required")
	}
	if sig.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "signal execution_id is required")
	}
	if sig.Type == "" {
		return schema.NewError(schema.ErrCodeValidation, "signal type is required")
	}
	return nil
}
