package schema

import "encoding/json"

// Well-known signal types. Signal types are free-form strings; these are the
// ones the core itself produces or documents.
const (
	SignalApproval          = "approval"
	SignalWebhook           = "webhook"
	SignalWorkflowCompleted = "workflow.completed"
)

// Signal is an externally delivered event that can resume an execution
// suspended in waiting_signal. Consumed exactly once by the signal router.
type Signal struct {
	ExecutionID string          `json:"execution_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}
