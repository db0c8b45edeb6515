package schema

import "encoding/json"

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionPending       ExecutionStatus = "pending"
	ExecutionRunning       ExecutionStatus = "running"
	ExecutionWaitingSignal ExecutionStatus = "waiting_signal"
	ExecutionPaused        ExecutionStatus = "paused"
	ExecutionCompleted     ExecutionStatus = "completed"
	ExecutionFailed        ExecutionStatus = "failed"
	ExecutionCancelled     ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further automatic
// transitions. Replay creates a new execution; it never leaves a terminal one.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known execution status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionWaitingSignal,
		ExecutionPaused, ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// OutcomeStatus classifies the result of one activity invocation.
type OutcomeStatus string

const (
	OutcomeSuccess   OutcomeStatus = "success"
	OutcomeRetryable OutcomeStatus = "retryable_failure"
	OutcomeFatal     OutcomeStatus = "fatal_failure"
	OutcomeSuspend   OutcomeStatus = "suspend"
)

// Outcome is what an activity reports back for one node invocation. The core
// never inspects Output beyond folding it into the accumulated state;
// NextNodeID lets an activity pick a branch (it must name an out-edge target
// of the current node); SignalType is the signal a suspending node awaits.
type Outcome struct {
	Status      OutcomeStatus   `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	NextNodeID  string          `json:"next_node_id,omitempty"`
	SignalType  string          `json:"signal_type,omitempty"`
	ErrorDetail string          `json:"error_detail,omitempty"`
}

// Succeed builds a success outcome carrying the node's output.
func Succeed(output json.RawMessage) *Outcome {
	return &Outcome{Status: OutcomeSuccess, Output: output}
}

// SucceedNext builds a success outcome that also selects the next node.
func SucceedNext(output json.RawMessage, nextNodeID string) *Outcome {
	return &Outcome{Status: OutcomeSuccess, Output: output, NextNodeID: nextNodeID}
}

// RetryableFailure builds an outcome for a transient failure the retry policy
// may schedule another attempt for.
func RetryableFailure(detail string) *Outcome {
	return &Outcome{Status: OutcomeRetryable, ErrorDetail: detail}
}

// FatalFailure builds an outcome for a failure that will not resolve on its
// own; the execution fails regardless of remaining retry budget.
func FatalFailure(detail string) *Outcome {
	return &Outcome{Status: OutcomeFatal, ErrorDetail: detail}
}

// SuspendFor builds an outcome that parks the execution until a signal of the
// given type arrives.
func SuspendFor(signalType string) *Outcome {
	return &Outcome{Status: OutcomeSuspend, SignalType: signalType}
}
