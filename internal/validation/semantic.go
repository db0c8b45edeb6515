package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/relay/internal/scheduler"
	"github.com/rendis/relay/pkg/schema"
)

// TypeLookup reports whether a node type has a registered activity. The
// activity registry satisfies it; nil skips type existence checks so
// definitions can be validated before their handler packs are plugged in.
type TypeLookup interface {
	Has(name string) bool
}

// ConfigValidator is the optional second capability of a TypeLookup:
// statically checking a node's config against the activity's own rules.
// Configs carrying ${...} references are never checked statically, their
// values are only known at runtime.
type ConfigValidator interface {
	ValidateConfig(nodeType string, config map[string]any) error
}

// validateSemantic performs semantic analysis on the workflow definition.
// Checks: node types registered, static configs accepted by their
// activities, wait nodes naming a signal type, cron syntax, retry
// parameter sanity, duplicate edges.
func validateSemantic(def *schema.WorkflowDefinition, lookup TypeLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	for i := range def.Graph.Nodes {
		path := fmt.Sprintf("graph.nodes[%d]", i)
		validateNodeSemantic(&def.Graph.Nodes[i], path, lookup, result)
	}

	validateEdgeSemantic(def.Graph.Edges, result)

	if def.Trigger != nil && def.Trigger.Cron != "" {
		if err := scheduler.ValidateCron(def.Trigger.Cron); err != nil {
			result.AddError("trigger.cron", schema.ErrCodeValidation, err.Error())
		}
	}

	return result
}

// validateNodeSemantic checks a single node.
func validateNodeSemantic(node *schema.Node, path string, lookup TypeLookup, result *schema.ValidationResult) {
	known := true
	if lookup != nil {
		known = lookup.Has(node.Type)
		if !known {
			result.AddError(path+".type", schema.ErrCodeNotFound,
				"node type %q has no registered activity", node.Type)
		}
	}

	// Static config check through the activity's own validation. Skipped
	// for configs with runtime references.
	configChecked := false
	if known && staticConfig(node.Config) {
		if cv, ok := lookup.(ConfigValidator); ok {
			config, err := decodeConfig(node.Config)
			if err != nil {
				result.AddError(path+".config", schema.ErrCodeValidation,
					"config is not a JSON object: %v", err)
				return
			}
			configChecked = true
			if err := cv.ValidateConfig(node.Type, config); err != nil {
				result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
			}
		}
	}

	// Wait nodes must name the signal they park on. Covered by the
	// activity check when a registry is wired; repeated here for bare
	// pipelines (relayd validate without handler packs).
	if !configChecked && node.Type == "wait" && staticConfig(node.Config) {
		config, err := decodeConfig(node.Config)
		signalType, _ := config["signal_type"].(string)
		if err != nil || signalType == "" {
			result.AddError(path+".config.signal_type", schema.ErrCodeValidation,
				"wait node requires a signal_type")
		}
	}

	if node.Retry != nil {
		validateRetrySemantic(node.Retry, path+".retry", result)
	}

	if node.Timeout != "" {
		if _, err := time.ParseDuration(node.Timeout); err != nil {
			result.AddError(path+".timeout", schema.ErrCodeValidation,
				"invalid timeout %q", node.Timeout)
		}
	}
}

// validateRetrySemantic sanity-checks a per-node retry override.
func validateRetrySemantic(retry *schema.RetryPolicy, path string, result *schema.ValidationResult) {
	if retry.MaxRetries > 10 {
		result.AddWarning(path+".max_retries", schema.ErrCodeValidation,
			"high retry count (%d) may cause excessive delays", retry.MaxRetries)
	}
	if retry.BackoffMultiplier > 0 && retry.BackoffMultiplier < 1 {
		result.AddWarning(path+".backoff_multiplier", schema.ErrCodeValidation,
			"backoff multiplier %.2f shrinks delays on every attempt", retry.BackoffMultiplier)
	}

	var base, maxCap time.Duration
	if retry.BaseDelay != "" {
		d, err := time.ParseDuration(retry.BaseDelay)
		if err != nil {
			result.AddError(path+".base_delay", schema.ErrCodeValidation,
				"invalid duration %q", retry.BaseDelay)
			return
		}
		base = d
	}
	if retry.MaxDelayCap != "" {
		d, err := time.ParseDuration(retry.MaxDelayCap)
		if err != nil {
			result.AddError(path+".max_delay_cap", schema.ErrCodeValidation,
				"invalid duration %q", retry.MaxDelayCap)
			return
		}
		maxCap = d
	}
	if base > 0 && maxCap > 0 && base > maxCap {
		result.AddWarning(path, schema.ErrCodeValidation,
			"base_delay (%s) exceeds max_delay_cap (%s); every delay collapses to the cap", retry.BaseDelay, retry.MaxDelayCap)
	}
}

// validateEdgeSemantic flags duplicate edges. Reference checks against
// the node set live in the graph stage.
func validateEdgeSemantic(edges []schema.Edge, result *schema.ValidationResult) {
	seen := make(map[schema.Edge]int, len(edges))
	for i, e := range edges {
		if first, dup := seen[e]; dup {
			result.AddWarning(fmt.Sprintf("graph.edges[%d]", i), schema.ErrCodeValidation,
				"duplicate of edge %d (%s -> %s)", first, e.From, e.To)
			continue
		}
		seen[e] = i
	}
}

// staticConfig reports whether a node config carries no ${...} references
// and can therefore be checked before execution.
func staticConfig(config json.RawMessage) bool {
	return !bytes.Contains(config, []byte("${"))
}

// decodeConfig unmarshals a node config into a map. Empty configs decode
// to an empty map so required-param checks still fire.
func decodeConfig(config json.RawMessage) (map[string]any, error) {
	if len(config) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(config, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
