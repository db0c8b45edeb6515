// Package engine advances workflow executions node by node. Workers
// claim executions through the store's lease CAS and hand them to the
// engine, which renews the lease, honors cancellation and pause flags,
// invokes activities behind per-type circuit breakers, feeds outcomes
// through the state machine and retry policy, and persists each step
// atomically with its events.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/pkg/schema"
)

// InvokeInput is everything an activity receives for one node invocation.
type InvokeInput struct {
	Execution  *store.Execution
	Definition *schema.WorkflowDefinition
	Node       *schema.Node
	// State is the accumulated execution state document.
	State json.RawMessage
	// Trigger is the payload the execution was started with.
	Trigger json.RawMessage
	// Resume carries the signal payload when the node resumes from
	// waiting_signal, nil otherwise.
	Resume json.RawMessage
}

// Invoker executes a single node. Implementations must always return a
// non-nil outcome; internal errors are reported as retryable or fatal
// failure outcomes, never as panics or nil.
type Invoker interface {
	Invoke(ctx context.Context, in InvokeInput) *schema.Outcome
}

// Publisher receives every event the engine appends to the durable log,
// after the transaction that wrote it commits. Used for live streaming;
// losing a published event loses nothing durable.
type Publisher interface {
	Publish(event *store.Event)
}

// Config tunes the engine. Zero fields take defaults.
type Config struct {
	Retry             RetryPolicy
	Breaker           BreakerConfig
	LeaseDuration     time.Duration
	PerTickTimeBudget time.Duration
	// NodeTimeout bounds a single activity invocation when the node
	// declares no timeout of its own.
	NodeTimeout time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Retry:             DefaultRetryPolicy(),
		Breaker:           DefaultBreakerConfig(),
		LeaseDuration:     30 * time.Second,
		PerTickTimeBudget: 10 * time.Second,
		NodeTimeout:       30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Retry == (RetryPolicy{}) {
		c.Retry = def.Retry
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = def.LeaseDuration
	}
	if c.PerTickTimeBudget <= 0 {
		c.PerTickTimeBudget = def.PerTickTimeBudget
	}
	if c.NodeTimeout <= 0 {
		c.NodeTimeout = def.NodeTimeout
	}
	return c
}

// Engine advances claimed executions one node at a time. It owns no
// goroutines: workers claim executions and call RunClaimed; everything
// the engine does is fenced by the worker's lease.
type Engine struct {
	store    store.Store
	invoker  Invoker
	breakers *BreakerRegistry
	pub      Publisher
	logger   *slog.Logger
	cfg      Config

	mu   sync.Mutex
	defs map[string]*schema.WorkflowDefinition
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithPublisher wires live event fan-out.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

// WithBreakers shares an externally owned breaker registry.
func WithBreakers(r *BreakerRegistry) Option {
	return func(e *Engine) { e.breakers = r }
}

// New creates an Engine on top of a store and an activity invoker.
func New(st store.Store, invoker Invoker, cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		store:    st,
		invoker:  invoker,
		breakers: NewBreakerRegistry(cfg.Breaker),
		logger:   slog.Default(),
		cfg:      cfg,
		defs:     make(map[string]*schema.WorkflowDefinition),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Breakers exposes the circuit breaker registry for status reporting.
func (e *Engine) Breakers() *BreakerRegistry { return e.breakers }

// RunClaimed drives a freshly claimed execution until it parks, reaches
// a terminal status, or exhausts the per-tick time budget. The caller
// must hold the lease under workerID; every persisted step is fenced on
// that lease, so a lost lease abandons the execution without damage.
func (e *Engine) RunClaimed(ctx context.Context, claimed *store.Execution, workerID string) error {
	deadline := time.Now().Add(e.cfg.PerTickTimeBudget)
	log := e.logger.With(
		slog.String("execution_id", claimed.ID),
		slog.String("workflow_id", claimed.WorkflowID),
		slog.String("worker_id", workerID),
	)

	def, err := e.Definition(ctx, claimed.WorkflowID, claimed.WorkflowVersion)
	if err != nil {
		log.Error("definition unavailable, failing execution", slog.Any("error", err))
		return e.failExecution(ctx, claimed, workerID, "", fmt.Sprintf("workflow definition unavailable: %v", err))
	}

	execID := claimed.ID
	for {
		if err := e.store.RenewLease(ctx, execID, workerID, e.cfg.LeaseDuration); err != nil {
			if IsLeaseLost(err) {
				log.Warn("lease lost, abandoning execution")
				return nil
			}
			return err
		}

		exec, err := e.store.GetExecution(ctx, execID)
		if err != nil {
			return err
		}

		// Cancellation wins over everything else, checked every tick.
		if exec.CancelRequested {
			return e.finalizeCancelled(ctx, exec, workerID, log)
		}
		if exec.ManualPause {
			return e.parkPaused(ctx, exec, workerID, log)
		}

		if exec.WaitSignalType != "" {
			sig, err := e.store.ConsumeSignal(ctx, execID, workerID)
			if err != nil {
				if IsLeaseLost(err) {
					log.Warn("lease lost consuming signal, abandoning execution")
					return nil
				}
				return err
			}
			if sig == nil {
				// Claimed on a stale hint; no matching signal after all.
				return e.parkWaiting(ctx, exec, workerID)
			}
			log.Info("signal consumed",
				slog.String("signal_type", sig.Type),
				slog.String("node_id", exec.CurrentNodeID))
			exec.ResumePayload = sig.Payload
			exec.WaitSignalType = ""
		}

		nodeID := exec.CurrentNodeID
		if nodeID == "" {
			nodeID = def.Graph.EntryNodeID()
		}
		node := def.Graph.Node(nodeID)
		if node == nil {
			return e.failExecution(ctx, exec, workerID, nodeID,
				fmt.Sprintf("node %q not present in workflow %s v%d", nodeID, exec.WorkflowID, exec.WorkflowVersion))
		}

		outcome, tripped := e.invokeNode(ctx, def, node, exec, log)
		update := e.applyOutcome(def, node, exec, outcome, tripped)
		if err := GuardTransition(exec.Status, update.Status); err != nil {
			return err
		}

		if err := e.store.PersistStep(ctx, execID, workerID, *update); err != nil {
			if IsLeaseLost(err) {
				log.Warn("lease lost persisting step, abandoning execution",
					slog.String("node_id", node.ID))
				return nil
			}
			return err
		}
		e.publish(update.Events)

		if update.Status.IsTerminal() {
			log.Info("execution finished",
				slog.String("status", string(update.Status)),
				slog.String("node_id", node.ID))
			if exec.ParentID != "" {
				e.notifyParent(ctx, exec, update, log)
			}
			return nil
		}
		if update.Status != schema.ExecutionRunning {
			log.Info("execution parked",
				slog.String("status", string(update.Status)),
				slog.String("node_id", node.ID))
			return nil
		}

		if time.Now().After(deadline) {
			// Budget spent; release so any worker can claim immediately.
			if err := e.store.Release(ctx, execID, workerID); err != nil && !IsLeaseLost(err) {
				return err
			}
			log.Debug("tick budget exhausted, yielding", slog.String("node_id", update.CurrentNodeID))
			return nil
		}
	}
}

// invokeNode runs one activity behind the circuit breaker for its node
// type, with the node's (or engine's) timeout applied. The second return
// reports whether this invocation tripped the breaker open.
func (e *Engine) invokeNode(ctx context.Context, def *schema.WorkflowDefinition, node *schema.Node, exec *store.Execution, log *slog.Logger) (*schema.Outcome, bool) {
	if err := e.breakers.Allow(node.Type); err != nil {
		log.Warn("circuit open, deferring node",
			slog.String("node_id", node.ID),
			slog.String("node_type", node.Type))
		return schema.RetryableFailure(err.Error()), false
	}

	timeout := e.cfg.NodeTimeout
	if node.Timeout != "" {
		if d, perr := time.ParseDuration(node.Timeout); perr == nil && d > 0 {
			timeout = d
		}
	}
	ictx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	outcome := e.invoker.Invoke(ictx, InvokeInput{
		Execution:  exec,
		Definition: def,
		Node:       node,
		State:      exec.State,
		Trigger:    exec.TriggerPayload,
		Resume:     exec.ResumePayload,
	})
	if outcome == nil {
		outcome = schema.FatalFailure(fmt.Sprintf("activity %q returned no outcome", node.Type))
	}

	tripped := false
	switch outcome.Status {
	case schema.OutcomeSuccess, schema.OutcomeSuspend:
		e.breakers.RecordSuccess(node.Type)
	case schema.OutcomeRetryable, schema.OutcomeFatal:
		if state, opened := e.breakers.RecordFailure(node.Type); opened {
			tripped = true
			log.Warn("circuit breaker opened",
				slog.String("node_type", node.Type),
				slog.String("state", state.String()))
		}
	}
	return outcome, tripped
}

// applyOutcome feeds a node outcome through the state machine and the
// retry policy and assembles the StepUpdate one persist call writes.
func (e *Engine) applyOutcome(def *schema.WorkflowDefinition, node *schema.Node, exec *store.Execution, outcome *schema.Outcome, tripped bool) *store.StepUpdate {
	now := time.Now().UTC()
	events := make([]*store.Event, 0, 4)
	if exec.CurrentNodeID == "" {
		events = append(events, newEvent(exec.ID, "", schema.EventExecutionStarted, schema.LogInfo, "execution started", nil))
	}
	events = append(events, newEvent(exec.ID, node.ID, schema.EventNodeStarted, schema.LogDebug,
		fmt.Sprintf("node %s (%s) started", node.ID, node.Type), nil))
	if tripped {
		events = append(events, newEvent(exec.ID, node.ID, schema.EventCircuitBreakerOpen, schema.LogWarn,
			fmt.Sprintf("circuit breaker for %q opened", node.Type), nil))
	}

	switch outcome.Status {
	case schema.OutcomeSuccess:
		merged, err := MergeState(exec.State, outcome.Output)
		if err != nil {
			return failUpdate(exec, node.ID, err.Error(), events)
		}
		next, err := NextNode(&def.Graph, node.ID, outcome.NextNodeID)
		if err != nil {
			return failUpdate(exec, node.ID, err.Error(), events)
		}
		events = append(events, newEvent(exec.ID, node.ID, schema.EventNodeCompleted, schema.LogInfo,
			fmt.Sprintf("node %s completed", node.ID), outcome.Output))
		if next == "" {
			events = append(events, newEvent(exec.ID, "", schema.EventExecutionCompleted, schema.LogInfo, "execution completed", nil))
			return &store.StepUpdate{
				Status:        schema.ExecutionCompleted,
				CurrentNodeID: node.ID,
				State:         merged,
				Events:        events,
			}
		}
		return &store.StepUpdate{
			Status:        schema.ExecutionRunning,
			CurrentNodeID: next,
			State:         merged,
			Events:        events,
		}

	case schema.OutcomeSuspend:
		merged, err := MergeState(exec.State, outcome.Output)
		if err != nil {
			return failUpdate(exec, node.ID, err.Error(), events)
		}
		waitFor := outcome.SignalType
		msg := fmt.Sprintf("node %s awaiting signal", node.ID)
		if waitFor != "" {
			msg = fmt.Sprintf("node %s awaiting signal %q", node.ID, waitFor)
		}
		events = append(events,
			newEvent(exec.ID, node.ID, schema.EventNodeSuspended, schema.LogInfo, msg, nil),
			newEvent(exec.ID, "", schema.EventExecutionSuspended, schema.LogInfo, "execution suspended", nil))
		return &store.StepUpdate{
			Status:         schema.ExecutionWaitingSignal,
			CurrentNodeID:  node.ID,
			State:          merged,
			WaitSignalType: waitFor,
			Events:         events,
		}

	case schema.OutcomeRetryable:
		policy := ResolveRetryPolicy(e.cfg.Retry, node)
		decision := Decide(policy, exec.RetryCount, false, now)
		if !decision.Retry {
			detail := fmt.Sprintf("retries exhausted after %d attempts: %s", exec.RetryCount+1, outcome.ErrorDetail)
			return failUpdate(exec, node.ID, detail, events)
		}
		nextCount := exec.RetryCount + 1
		payload, _ := json.Marshal(map[string]any{
			"retry_count":     nextCount,
			"delay":           decision.Delay.String(),
			"next_attempt_at": decision.At.Format(time.RFC3339Nano),
		})
		events = append(events,
			newEvent(exec.ID, node.ID, schema.EventNodeFailed, schema.LogWarn,
				fmt.Sprintf("node %s failed (attempt %d): %s", node.ID, exec.RetryCount+1, outcome.ErrorDetail), nil),
			newEvent(exec.ID, node.ID, schema.EventNodeRetryScheduled, schema.LogInfo,
				fmt.Sprintf("retry %d/%d in %s", nextCount, policy.MaxRetries, decision.Delay), payload))
		return &store.StepUpdate{
			Status:        schema.ExecutionPaused,
			CurrentNodeID: node.ID,
			RetryCount:    &nextCount,
			NextRetryAt:   &decision.At,
			Error:         outcome.ErrorDetail,
			Events:        events,
		}

	default: // OutcomeFatal and anything unrecognized
		return failUpdate(exec, node.ID, outcome.ErrorDetail, events)
	}
}

// failUpdate builds the terminal failed StepUpdate shared by fatal
// outcomes, exhausted retries and engine-level errors.
func failUpdate(exec *store.Execution, nodeID, detail string, events []*store.Event) *store.StepUpdate {
	events = append(events,
		newEvent(exec.ID, nodeID, schema.EventNodeFailed, schema.LogError,
			fmt.Sprintf("node %s failed: %s", nodeID, detail), nil),
		newEvent(exec.ID, "", schema.EventExecutionFailed, schema.LogError, "execution failed", nil))
	return &store.StepUpdate{
		Status:        schema.ExecutionFailed,
		CurrentNodeID: nodeID,
		Error:         detail,
		Events:        events,
	}
}

// failExecution persists a terminal failure outside the normal outcome
// path (missing definition, unknown node).
func (e *Engine) failExecution(ctx context.Context, exec *store.Execution, workerID, nodeID, detail string) error {
	update := failUpdate(exec, nodeID, detail, nil)
	if err := e.store.PersistStep(ctx, exec.ID, workerID, *update); err != nil {
		if IsLeaseLost(err) {
			return nil
		}
		return err
	}
	e.publish(update.Events)
	if exec.ParentID != "" {
		e.notifyParent(ctx, exec, update, e.logger)
	}
	return nil
}

func (e *Engine) finalizeCancelled(ctx context.Context, exec *store.Execution, workerID string, log *slog.Logger) error {
	msg := "execution cancelled"
	if exec.CancelReason != "" {
		msg = "execution cancelled: " + exec.CancelReason
	}
	update := store.StepUpdate{
		Status:        schema.ExecutionCancelled,
		CurrentNodeID: exec.CurrentNodeID,
		Events: []*store.Event{
			newEvent(exec.ID, "", schema.EventExecutionCancelled, schema.LogWarn, msg, nil),
		},
	}
	if err := e.store.PersistStep(ctx, exec.ID, workerID, update); err != nil {
		if IsLeaseLost(err) {
			log.Warn("lease lost finalizing cancellation")
			return nil
		}
		return err
	}
	e.publish(update.Events)
	log.Info("execution cancelled", slog.String("reason", exec.CancelReason))
	if exec.ParentID != "" {
		e.notifyParent(ctx, exec, &update, log)
	}
	return nil
}

func (e *Engine) parkPaused(ctx context.Context, exec *store.Execution, workerID string, log *slog.Logger) error {
	update := store.StepUpdate{
		Status:         schema.ExecutionPaused,
		CurrentNodeID:  exec.CurrentNodeID,
		NextRetryAt:    exec.NextRetryAt,
		WaitSignalType: exec.WaitSignalType,
		Events: []*store.Event{
			newEvent(exec.ID, "", schema.EventExecutionPaused, schema.LogInfo, "execution paused", nil),
		},
	}
	if err := e.store.PersistStep(ctx, exec.ID, workerID, update); err != nil {
		if IsLeaseLost(err) {
			return nil
		}
		return err
	}
	e.publish(update.Events)
	log.Info("execution parked by manual pause")
	return nil
}

// parkWaiting re-parks a claimed execution whose awaited signal turned
// out not to be there. No events: nothing observable happened.
func (e *Engine) parkWaiting(ctx context.Context, exec *store.Execution, workerID string) error {
	update := store.StepUpdate{
		Status:         schema.ExecutionWaitingSignal,
		CurrentNodeID:  exec.CurrentNodeID,
		WaitSignalType: exec.WaitSignalType,
	}
	if err := e.store.PersistStep(ctx, exec.ID, workerID, update); err != nil && !IsLeaseLost(err) {
		return err
	}
	return nil
}

// notifyParent delivers a workflow.completed signal to the parent of a
// finished child execution. Best effort: the parent may itself be
// terminal or already purged.
func (e *Engine) notifyParent(ctx context.Context, exec *store.Execution, update *store.StepUpdate, log *slog.Logger) {
	finalState := update.State
	if finalState == nil {
		finalState = exec.State
	}
	payload, err := json.Marshal(map[string]any{
		"execution_id": exec.ID,
		"workflow_id":  exec.WorkflowID,
		"status":       string(update.Status),
		"error":        update.Error,
		"output":       json.RawMessage(orEmptyObject(finalState)),
	})
	if err != nil {
		return
	}
	sig := &store.Signal{ExecutionID: exec.ParentID, Type: schema.SignalWorkflowCompleted, Payload: payload}
	if err := e.store.SubmitSignal(ctx, sig); err != nil {
		log.Debug("parent signal not delivered",
			slog.String("parent_execution_id", exec.ParentID),
			slog.Any("error", err))
		return
	}
	if _, err := e.store.RouteSignal(ctx, exec.ParentID); err != nil {
		log.Debug("parent signal routing deferred",
			slog.String("parent_execution_id", exec.ParentID),
			slog.Any("error", err))
	}
}

// Definition loads a workflow definition version through a process-local
// cache. Definitions are immutable per version, so cached entries never
// go stale. The graph is validated once on first load.
func (e *Engine) Definition(ctx context.Context, workflowID string, version int) (*schema.WorkflowDefinition, error) {
	key := fmt.Sprintf("%s@%d", workflowID, version)
	e.mu.Lock()
	if def, ok := e.defs[key]; ok {
		e.mu.Unlock()
		return def, nil
	}
	e.mu.Unlock()

	rec, err := e.store.GetDefinition(ctx, workflowID, version)
	if err != nil {
		return nil, err
	}
	def := rec.Document
	if err := ValidateGraph(&def.Graph); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.defs[key] = &def
	e.mu.Unlock()
	return &def, nil
}

func (e *Engine) publish(events []*store.Event) {
	if e.pub == nil {
		return
	}
	for _, ev := range events {
		e.pub.Publish(ev)
	}
}

// IsLeaseLost reports whether an error means another worker owns (or
// stole) the execution's lease.
func IsLeaseLost(err error) bool {
	return schema.IsCode(err, schema.ErrCodeLeaseLost)
}

func newEvent(execID, nodeID, eventType string, level schema.LogLevel, msg string, payload json.RawMessage) *store.Event {
	return &store.Event{
		ExecutionID: execID,
		NodeID:      nodeID,
		Type:        eventType,
		Level:       level,
		Message:     msg,
		Payload:     payload,
	}
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
