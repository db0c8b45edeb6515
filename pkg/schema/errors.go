package schema

import (
	"errors"
	"fmt"
)

// Stable error codes carried on every RelayError. API and MCP clients
// branch on these, never on message text.
const (
	// Request and definition problems.
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeCycleDetected = "CYCLE_DETECTED"

	// Runtime failures.
	ErrCodeExecution      = "EXECUTION_ERROR"
	ErrCodeTimeout        = "TIMEOUT_ERROR"
	ErrCodeNodeFailed     = "NODE_FAILED"
	ErrCodeRetryExhausted = "RETRY_EXHAUSTED"
	ErrCodeCircuitOpen    = "CIRCUIT_OPEN"

	// Lifecycle and coordination.
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeSignalFailed      = "SIGNAL_FAILED"
	ErrCodeLeaseLost         = "LEASE_LOST"
	ErrCodeStore             = "STORE_ERROR"
)

// RelayError is the structured error type for all relay operations.
// NodeID locates node-scoped failures; Details carries machine-readable
// context that survives the trip through API and MCP responses.
type RelayError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *RelayError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
}

func (e *RelayError) Unwrap() error {
	return e.Cause
}

// NewError creates a new RelayError.
func NewError(code, message string) *RelayError {
	return &RelayError{Code: code, Message: message}
}

// NewErrorf creates a new RelayError with a formatted message.
func NewErrorf(code, format string, args ...any) *RelayError {
	return &RelayError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *RelayError) WithNode(nodeID string) *RelayError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *RelayError) WithCause(err error) *RelayError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *RelayError) WithDetails(details map[string]any) *RelayError {
	e.Details = details
	return e
}

// IsCode reports whether err is (or wraps) a RelayError with the given
// code.
func IsCode(err error, code string) bool {
	var re *RelayError
	return errors.As(err, &re) && re.Code == code
}
