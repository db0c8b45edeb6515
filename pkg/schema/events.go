package schema

// Event type constants for the append-only execution event log.
const (
	EventExecutionCreated   = "execution_created"
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventExecutionPaused    = "execution_paused"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionSuspended = "execution_suspended"
	EventExecutionReplayed  = "execution_replayed"

	EventNodeStarted        = "node_started"
	EventNodeCompleted      = "node_completed"
	EventNodeFailed         = "node_failed"
	EventNodeRetryScheduled = "node_retry_scheduled"
	EventNodeSuspended      = "node_suspended"

	EventSignalReceived = "signal_received"
	EventSignalConsumed = "signal_consumed"

	EventScheduleFired = "schedule_fired"

	EventCircuitBreakerOpen     = "circuit_breaker_open"
	EventCircuitBreakerHalfOpen = "circuit_breaker_half_open"
	EventCircuitBreakerClosed   = "circuit_breaker_closed"
)

// LogLevel grades log entries in the execution audit trail.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)
