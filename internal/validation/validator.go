package validation

import "github.com/rendis/relay/pkg/schema"

// Validator checks workflow definitions for correctness before they are
// published. Uses JSON Schema Draft 2020-12 for the document check.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}
