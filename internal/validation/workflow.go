package validation

import (
	"errors"
	"strings"

	"github.com/rendis/relay/pkg/schema"
)

// stage is one pass over a workflow definition. Later stages assume the
// invariants checked by earlier ones, so a stage that records errors
// stops the run.
type stage func(*schema.WorkflowDefinition) *schema.ValidationResult

// WorkflowValidator runs definitions through three passes: JSON Schema
// shape checks, then semantic checks (node types, configs, cron, retry
// bounds), then graph checks (edge references, entry points, cycles,
// reachability).
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	types      TypeLookup
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip node type existence checks.
func NewWorkflowValidator(lookup TypeLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		types:      lookup,
	}, nil
}

// Validate aggregates every pass that ran. A pass with errors ends the
// run: semantic checks never see a malformed document, and graph checks
// never see an unresolved node set.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}

	stages := []stage{
		wv.structural,
		func(d *schema.WorkflowDefinition) *schema.ValidationResult {
			return validateSemantic(d, wv.types)
		},
		validateDAG,
	}
	for _, run := range stages {
		result.Merge(run(def))
		if !result.Valid() {
			break
		}
	}
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

// structural runs the JSON Schema pass. Violations come back as
// "location: message" strings, so each one is reported at the instance
// location it was raised for rather than at the document root.
func (wv *WorkflowValidator) structural(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	err := wv.jsonSchema.ValidateDefinition(def)
	if err == nil {
		return result
	}

	var relayErr *schema.RelayError
	if !errors.As(err, &relayErr) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	violations, _ := relayErr.Details["violations"].([]string)
	if len(violations) == 0 {
		result.AddError("/", schema.ErrCodeValidation, relayErr.Message)
		return result
	}
	for _, violation := range violations {
		path, msg, found := strings.Cut(violation, ": ")
		if !found {
			path, msg = "/", violation
		}
		result.AddError(path, schema.ErrCodeValidation, msg)
	}
	return result
}
