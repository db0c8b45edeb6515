package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/relay/pkg/schema"
)

// Definition is one persisted, immutable version of a workflow definition.
type Definition struct {
	WorkflowID string                    `json:"workflow_id"`
	Version    int                       `json:"version"`
	Name       string                    `json:"name,omitempty"`
	Document   schema.WorkflowDefinition `json:"document"`
	Checksum   string                    `json:"checksum"`
	Active     bool                      `json:"active"`
	CreatedAt  time.Time                 `json:"created_at"`
}

// Execution is the persisted representation of one run of a workflow
// definition. The row is the unit of mutual exclusion: only the holder of a
// valid lease may advance it.
type Execution struct {
	ID              string                 `json:"execution_id"`
	WorkflowID      string                 `json:"workflow_id"`
	WorkflowVersion int                    `json:"workflow_version"`
	Status          schema.ExecutionStatus `json:"status"`
	CurrentNodeID   string                 `json:"current_node_id,omitempty"`
	State           json.RawMessage        `json:"state,omitempty"`
	TriggerPayload  json.RawMessage        `json:"trigger_payload,omitempty"`
	ResumePayload   json.RawMessage        `json:"resume_payload,omitempty"`
	WaitSignalType  string                 `json:"wait_signal_type,omitempty"`
	RetryCount      int                    `json:"retry_count"`
	NextRetryAt     *time.Time             `json:"next_retry_at,omitempty"`
	LeaseOwner      string                 `json:"lease_owner,omitempty"`
	LeaseExpiresAt  *time.Time             `json:"lease_expires_at,omitempty"`
	CancelRequested bool                   `json:"cancel_requested,omitempty"`
	CancelReason    string                 `json:"cancel_reason,omitempty"`
	ManualPause     bool                   `json:"manual_pause,omitempty"`
	ReplayOf        string                 `json:"replay_of,omitempty"`
	ParentID        string                 `json:"parent_execution_id,omitempty"`
	Error           string                 `json:"error,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// LeaseValidAt reports whether the execution carries a lease that has not
// expired as of now.
func (e *Execution) LeaseValidAt(now time.Time) bool {
	return e.LeaseOwner != "" && e.LeaseExpiresAt != nil && e.LeaseExpiresAt.After(now)
}

// Event is an immutable entry in the per-execution event log. It is both the
// audit trail (level + message) and the replay checkpoint source (payload of
// node_completed events).
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
	Type        string          `json:"event_type"`
	Level       schema.LogLevel `json:"level"`
	Message     string          `json:"message,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Sequence    int64           `json:"sequence"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Schedule is a cron-driven trigger for a workflow.
type Schedule struct {
	ID             string     `json:"id"`
	WorkflowID     string     `json:"workflow_id"`
	CronExpression string     `json:"cron_expression"`
	Active         bool       `json:"active"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Signal is a persisted external event addressed to one execution. Consumed
// exactly once: processed flips in the same transaction that resumes the
// execution.
type Signal struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	Type        string          `json:"signal_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
	Processed   bool            `json:"processed"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// StepUpdate is what one engine tick persists after feeding a node outcome
// through the state machine. Status, CurrentNodeID, WaitSignalType, Error and
// NextRetryAt are always written (zero values clear the columns); State and
// RetryCount are written only when non-nil. Events are appended in the same
// transaction.
type StepUpdate struct {
	Status         schema.ExecutionStatus
	CurrentNodeID  string
	State          json.RawMessage
	RetryCount     *int
	NextRetryAt    *time.Time
	WaitSignalType string
	Error          string
	CompletedAt    *time.Time
	Events         []*Event
}

// --- Filter types ---

// DefinitionFilter specifies criteria for listing definitions.
type DefinitionFilter struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	Active     *bool  `json:"active,omitempty"`
	LatestOnly bool   `json:"latest_only,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	ParentID   string                  `json:"parent_execution_id,omitempty"`
	Since      *time.Time              `json:"since,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	ExecutionID string `json:"execution_id,omitempty"`
	NodeID      string `json:"node_id,omitempty"`
	EventType   string `json:"event_type,omitempty"`
	SinceSeq    int64  `json:"since_seq,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	Offset      int    `json:"offset,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	Active     *bool  `json:"active,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
