package expressions

import (
	json "github.com/goccy/go-json"

	"github.com/rendis/relay/pkg/schema"
)

// scopeNamespaces are the top-level variables visible to expressions and
// config interpolation, in the order they are reported in error messages.
var scopeNamespaces = []string{"state", "trigger", "signal", "node", "env"}

// Scope is the variable environment a node is evaluated in:
//
//	state   - accumulated execution state (merged node outputs)
//	trigger - the payload the execution was started with
//	signal  - payload of the last consumed signal, empty until a resume
//	node    - current node and execution metadata (id, type, name,
//	          retry_count, execution_id, workflow_id, workflow_version)
//	env     - operator-provided environment values
//
// A Scope is assembled fresh for every invocation; the maps are owned by the
// scope and safe to hand to the expression engines.
type Scope struct {
	State   map[string]any
	Trigger map[string]any
	Signal  map[string]any
	Node    map[string]any
	Env     map[string]any
}

// ScopeInput carries the raw material a Scope is built from. State, Trigger
// and Signal are the JSON documents persisted on the execution row.
type ScopeInput struct {
	State           json.RawMessage
	Trigger         json.RawMessage
	Signal          json.RawMessage
	Node            *schema.Node
	ExecutionID     string
	WorkflowID      string
	WorkflowVersion int
	RetryCount      int
	Env             map[string]string
}

// BuildScope decodes the raw payloads and assembles the evaluation scope.
// Missing payloads become empty maps so expressions never see a nil
// namespace; payloads that are valid JSON but not objects are rejected.
func BuildScope(in ScopeInput) (*Scope, error) {
	state, err := decodeNamespace("state", in.State)
	if err != nil {
		return nil, err
	}
	trigger, err := decodeNamespace("trigger", in.Trigger)
	if err != nil {
		return nil, err
	}
	signal, err := decodeNamespace("signal", in.Signal)
	if err != nil {
		return nil, err
	}

	node := map[string]any{"retry_count": in.RetryCount}
	if in.Node != nil {
		node["id"] = in.Node.ID
		node["type"] = in.Node.Type
		if in.Node.Name != "" {
			node["name"] = in.Node.Name
		}
	}
	if in.ExecutionID != "" {
		node["execution_id"] = in.ExecutionID
	}
	if in.WorkflowID != "" {
		node["workflow_id"] = in.WorkflowID
	}
	if in.WorkflowVersion > 0 {
		node["workflow_version"] = in.WorkflowVersion
	}

	env := make(map[string]any, len(in.Env))
	for k, v := range in.Env {
		env[k] = v
	}

	return &Scope{
		State:   state,
		Trigger: trigger,
		Signal:  signal,
		Node:    node,
		Env:     env,
	}, nil
}

// Map flattens the scope into the environment handed to the expression
// engines. Every namespace is present, empty namespaces as empty maps.
func (s *Scope) Map() map[string]any {
	return map[string]any{
		"state":   orEmptyMap(s.State),
		"trigger": orEmptyMap(s.Trigger),
		"signal":  orEmptyMap(s.Signal),
		"node":    orEmptyMap(s.Node),
		"env":     orEmptyMap(s.Env),
	}
}

// Namespace resolves a top-level scope variable by name.
func (s *Scope) Namespace(name string) (map[string]any, bool) {
	switch name {
	case "state":
		return orEmptyMap(s.State), true
	case "trigger":
		return orEmptyMap(s.Trigger), true
	case "signal":
		return orEmptyMap(s.Signal), true
	case "node":
		return orEmptyMap(s.Node), true
	case "env":
		return orEmptyMap(s.Env), true
	default:
		return nil, false
	}
}

func decodeNamespace(name string, raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"%s payload is not a JSON object: %s", name, err.Error()).
			WithCause(err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
