package schema

import "fmt"

// ValidationSeverity splits issues into blocking errors and advisory
// warnings. Warnings never fail a publish.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue pins one problem to a location in the definition.
// Path is a dotted locator, e.g. "graph.nodes[pay].retry".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// String renders an issue the way the CLI prints it.
func (i ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s [%s]", i.Path, i.Message, i.Code)
}

// ValidationResult collects everything the validation pipeline found,
// errors and warnings separately so callers can gate on one and surface
// the other.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether the definition can be published. Warnings alone
// do not make it invalid.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue. Extra args format the
// message; without args the message is used verbatim, so caller-supplied
// text with stray verbs is safe.
func (r *ValidationResult) AddError(path, code, message string, args ...any) {
	r.Errors = append(r.Errors, newIssue(SeverityError, path, code, message, args))
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string, args ...any) {
	r.Warnings = append(r.Warnings, newIssue(SeverityWarning, path, code, message, args))
}

func newIssue(sev ValidationSeverity, path, code, message string, args []any) ValidationIssue {
	if len(args) > 0 {
		message = fmt.Sprintf(message, args...)
	}
	return ValidationIssue{Path: path, Code: code, Message: message, Severity: sev}
}

// Merge folds other results into this one, keeping issue order.
func (r *ValidationResult) Merge(others ...*ValidationResult) {
	for _, o := range others {
		if o == nil {
			continue
		}
		r.Errors = append(r.Errors, o.Errors...)
		r.Warnings = append(r.Warnings, o.Warnings...)
	}
}

// ToError converts the result to a RelayError if invalid, nil if valid.
// The first error leads the message; the full issue lists ride in the
// error details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if rest := len(r.Errors) - 1; rest > 0 {
		msg = fmt.Sprintf("%s (and %d more)", msg, rest)
	}

	details := map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
	}
	if len(r.Warnings) > 0 {
		details["warnings"] = r.Warnings
	}
	return NewError(ErrCodeValidation, msg).WithDetails(details)
}
