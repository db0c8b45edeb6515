package validation

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/relay/pkg/schema"
)

// workflowSchemaJSON holds the Draft 2020-12 document every stored workflow
// definition must satisfy. Keeping it inline means the binary carries its own
// contract and there is no schema file to ship or locate at runtime.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://relay.dev/schemas/workflow.json",
  "type": "object",
  "required": ["workflow_id", "graph"],
  "additionalProperties": false,
  "properties": {
    "workflow_id": { "type": "string", "minLength": 1, "pattern": "^[a-zA-Z0-9][a-zA-Z0-9._-]*$" },
    "version":     { "type": "integer", "minimum": 0 },
    "name":        { "type": "string" },
    "graph":       { "$ref": "#/$defs/graph" },
    "trigger":     { "$ref": "#/$defs/trigger" },
    "active":      { "type": "boolean" },
    "metadata":    { "type": "object" }
  },
  "$defs": {
    "graph": {
      "type": "object",
      "required": ["nodes"],
      "additionalProperties": false,
      "properties": {
        "nodes": { "type": "array", "minItems": 1, "items": { "$ref": "#/$defs/node" } },
        "edges": { "type": "array", "items": { "$ref": "#/$defs/edge" } }
      }
    },
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "additionalProperties": false,
      "properties": {
        "id":      { "type": "string", "minLength": 1 },
        "type":    { "type": "string", "minLength": 1 },
        "name":    { "type": "string" },
        "config":  {},
        "retry":   { "$ref": "#/$defs/retry" },
        "timeout": { "$ref": "#/$defs/duration" }
      }
    },
    "edge": {
      "type": "object",
      "required": ["from", "to"],
      "additionalProperties": false,
      "properties": {
        "from":  { "type": "string", "minLength": 1 },
        "to":    { "type": "string", "minLength": 1 },
        "label": { "type": "string" }
      }
    },
    "retry": {
      "type": "object",
      "required": ["max_retries"],
      "additionalProperties": false,
      "properties": {
        "max_retries":        { "type": "integer", "minimum": 0 },
        "base_delay":         { "$ref": "#/$defs/duration" },
        "backoff_multiplier": { "type": "number", "minimum": 0 },
        "max_delay_cap":      { "$ref": "#/$defs/duration" }
      }
    },
    "trigger": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "cron":    { "type": "string" },
        "webhook": { "type": "string" }
      }
    },
    "duration": { "type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$" }
  }
}`

const workflowSchemaURL = "https://relay.dev/schemas/workflow.json"

// Every node config schema compiles in its own throwaway compiler, so a
// fixed resource URL never collides.
const nodeSchemaURL = "relay://node-config-schema"

// JSONSchemaValidator checks workflow definitions and run inputs against
// JSON Schema documents. One instance serves concurrent callers.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the workflow schema up front, so a broken
// build of the embedded document fails at startup rather than on first use.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	wfSchema, err := compileSchema(workflowSchemaURL, []byte(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("workflow schema: %w", err)
	}
	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a WorkflowDefinition against the workflow
// JSON Schema, plus the one structural check the schema language cannot
// express: node ID uniqueness.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "nil workflow definition")
	}

	doc, err := jsonDoc(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition not serializable").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toRelayError(err)
	}

	seen := make(map[string]struct{}, len(def.Graph.Nodes))
	for _, n := range def.Graph.Nodes {
		if _, exists := seen[n.ID]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id %q", n.ID)
		}
		seen[n.ID] = struct{}{}
	}
	return nil
}

// ValidateInput validates input data against a JSON Schema provided as raw
// bytes. Compiled schemas are cached, keyed by the schema text.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "nil input")
	}
	if len(inputSchema) == 0 {
		return nil // nothing to enforce
	}

	compiled, err := v.compiledFor(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := jsonDoc(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "input not serializable").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toRelayError(err)
	}
	return nil
}

// compiledFor returns the compiled schema for the given bytes, compiling
// on first use. Compilation runs outside the lock; racing callers may
// both compile and the first store wins.
func (v *JSONSchemaValidator) compiledFor(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	compiled, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiled, err := compileSchema(nodeSchemaURL, schemaBytes)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if existing, ok := v.cache[key]; ok {
		return existing, nil
	}
	v.cache[key] = compiled
	return compiled, nil
}

// compileSchema runs one document through a fresh compiler with format
// assertions on.
func compileSchema(url string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("register %s: %w", url, err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	return compiled, nil
}

// jsonDoc re-encodes a Go value into the shape the jsonschema library
// validates: maps, slices and json.Number, never native ints or structs.
func jsonDoc(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

// toRelayError flattens a jsonschema.ValidationError tree into one
// RelayError whose details list every leaf violation.
func toRelayError(err error) *schema.RelayError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := appendViolations(verr, nil)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	msg := violations[0]
	if n := len(violations); n > 1 {
		msg = fmt.Sprintf("%d schema violations, first at %s", n, violations[0])
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// appendViolations walks the cause tree and records each leaf as
// "/instance/path: message". Branch nodes only repeat their children.
func appendViolations(verr *jsonschema.ValidationError, out []string) []string {
	if len(verr.Causes) > 0 {
		for _, cause := range verr.Causes {
			out = appendViolations(cause, out)
		}
		return out
	}
	return append(out, "/"+strings.Join(verr.InstanceLocation, "/")+": "+verr.Error())
}
