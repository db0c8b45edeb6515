package engine

import (
	"github.com/rendis/relay/pkg/schema"
)

// validTransitions is the authoritative execution state machine. An
// execution may only move along these edges; terminal statuses have no
// outgoing edges and are immutable.
var validTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending: {
		schema.ExecutionRunning,
		schema.ExecutionPaused,
		schema.ExecutionCancelled,
	},
	schema.ExecutionRunning: {
		schema.ExecutionRunning,
		schema.ExecutionWaitingSignal,
		schema.ExecutionPaused,
		schema.ExecutionCompleted,
		schema.ExecutionFailed,
		schema.ExecutionCancelled,
	},
	schema.ExecutionWaitingSignal: {
		schema.ExecutionRunning,
		schema.ExecutionWaitingSignal,
		schema.ExecutionPaused,
		schema.ExecutionCancelled,
	},
	schema.ExecutionPaused: {
		schema.ExecutionRunning,
		schema.ExecutionCancelled,
	},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
	schema.ExecutionCancelled: {},
}

// CanTransition reports whether the state machine permits moving from
// one execution status to another.
func CanTransition(from, to schema.ExecutionStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// GuardTransition returns an INVALID_TRANSITION error when the move is
// not an edge of the state machine, nil otherwise.
func GuardTransition(from, to schema.ExecutionStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid execution transition %s -> %s", from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// AllowedTransitions returns the statuses reachable from the given one.
// Terminal statuses return an empty slice.
func AllowedTransitions(from schema.ExecutionStatus) []schema.ExecutionStatus {
	src := validTransitions[from]
	out := make([]schema.ExecutionStatus, len(src))
	copy(out, src)
	return out
}

// NextStatus maps a node outcome to the execution status the tick should
// persist. hasNext reports whether the graph has a node after the current
// one; retry is the policy decision already taken for failures.
func NextStatus(outcome schema.OutcomeStatus, hasNext bool, retry RetryDecision) schema.ExecutionStatus {
	switch outcome {
	case schema.OutcomeSuccess:
		if hasNext {
			return schema.ExecutionRunning
		}
		return schema.ExecutionCompleted
	case schema.OutcomeSuspend:
		return schema.ExecutionWaitingSignal
	case schema.OutcomeRetryable:
		if retry.Retry {
			return schema.ExecutionPaused
		}
		return schema.ExecutionFailed
	case schema.OutcomeFatal:
		return schema.ExecutionFailed
	default:
		return schema.ExecutionFailed
	}
}
