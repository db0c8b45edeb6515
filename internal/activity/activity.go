// Package activity is the boundary between the engine and the code that
// actually does work. Node types resolve to Activity implementations through
// a Registry; the RegistryInvoker adapts a registry to the engine's Invoker
// seam, handling scope construction, config interpolation, panic containment
// and error classification. External handler packs plug in through
// RegisterProvider without touching the builtins.
package activity

import (
	"context"

	json "github.com/goccy/go-json"

	"github.com/rendis/relay/internal/expressions"
	"github.com/rendis/relay/pkg/schema"
)

// Activity executes one node type. Implementations must be safe for
// concurrent use: a single instance serves every node of its type across
// all workers.
type Activity interface {
	Name() string
	Descriptor() Descriptor
	Execute(ctx context.Context, in Input) (*Result, error)
	Validate(config map[string]any) error
}

// Descriptor describes an activity's config/output contract for listings
// and definition validation.
type Descriptor struct {
	Description  string          `json:"description,omitempty"`
	ConfigSchema json.RawMessage `json:"config_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// Input is what an activity receives for one invocation. Config is the
// node's config document after ${...} interpolation, decoded to a map.
// Scope carries the state/trigger/signal/node/env namespaces for
// expression-backed activities. Resume is the consumed signal payload when
// the node is re-invoked after waiting, nil on a first invocation.
type Input struct {
	Config      map[string]any
	Scope       *expressions.Scope
	Node        *schema.Node
	ExecutionID string
	WorkflowID  string
	Resume      json.RawMessage
}

// Result is a successful invocation's report. Output is folded into the
// execution state; NextNodeID optionally selects an out-edge by label or
// target; Suspend parks the execution until a signal of SignalType arrives.
type Result struct {
	Output     json.RawMessage
	NextNodeID string
	Suspend    bool
	SignalType string
}

// Info is a summary of a registered activity for listing. Provider is
// the pack prefix for externally provided activities, empty for builtins.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Provider    string `json:"provider,omitempty"`
}

// Output wraps a value under the node's output key and returns it encoded.
// The key defaults to the node ID; an explicit "output_key" in the node
// config overrides it. A map value with no explicit key merges into state
// as-is, so transforms can reshape state directly.
func Output(in Input, value any) (json.RawMessage, error) {
	key := stringParam(in.Config, "output_key", "")
	if key == "" {
		if m, ok := value.(map[string]any); ok {
			return json.Marshal(m)
		}
		if in.Node != nil {
			key = in.Node.ID
		} else {
			key = "result"
		}
	}
	return json.Marshal(map[string]any{key: value})
}
