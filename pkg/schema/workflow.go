package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// WorkflowDefinition is the JSON-serializable workflow format. A definition is
// immutable once published: edits produce a new version, and past executions
// stay pinned to the version they started with.
type WorkflowDefinition struct {
	WorkflowID string         `json:"workflow_id"`
	Version    int            `json:"version,omitempty"` // assigned on publish, monotonic per workflow
	Name       string         `json:"name,omitempty"`
	Graph      Graph          `json:"graph"`
	Trigger    *TriggerConfig `json:"trigger,omitempty"`
	Active     bool           `json:"active"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Graph is an ordered set of nodes plus directed edges. Node order is
// meaningful: the first node is the entry point unless exactly one node has no
// incoming edges, and the first out-edge is the default successor when an
// activity does not pick a branch.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges,omitempty"`
}

// Node describes a single unit of work in a workflow graph. Type names the
// activity that executes it; Config is opaque to the core and handed to the
// activity as-is (after interpolation).
type Node struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Name    string          `json:"name,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
	Retry   *RetryPolicy    `json:"retry,omitempty"`
	Timeout string          `json:"timeout,omitempty"` // node-level activity timeout (e.g. "30s", "5m")
}

// Edge is a directed connection between two nodes. Label carries the branch
// key a condition activity selects between.
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// TriggerConfig declares how executions of a workflow start beyond manual
// triggering: a cron expression, a webhook descriptor, or both.
type TriggerConfig struct {
	Cron    string `json:"cron,omitempty"`
	Webhook string `json:"webhook,omitempty"`
}

// RetryPolicy overrides the engine's retry defaults for a single node.
// Durations are strings ("1s", "500ms"); zero values fall back to defaults.
type RetryPolicy struct {
	MaxRetries        int     `json:"max_retries"`
	BaseDelay         string  `json:"base_delay,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
	MaxDelayCap       string  `json:"max_delay_cap,omitempty"`
}

// Node returns the node with the given ID, or nil.
func (g *Graph) Node(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// OutEdges returns the out-edges of a node in definition order.
func (g *Graph) OutEdges(id string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// EntryNodeID returns the graph's entry point: the single node without
// incoming edges, or the first node when no unique one exists.
func (g *Graph) EntryNodeID() string {
	if len(g.Nodes) == 0 {
		return ""
	}
	incoming := make(map[string]int, len(g.Nodes))
	for _, e := range g.Edges {
		incoming[e.To]++
	}
	entry := ""
	for _, n := range g.Nodes {
		if incoming[n.ID] == 0 {
			if entry != "" {
				return g.Nodes[0].ID
			}
			entry = n.ID
		}
	}
	if entry == "" {
		return g.Nodes[0].ID
	}
	return entry
}

// Checksum returns a stable hex digest of the definition's behavioral content
// (graph + trigger). Publishing an unchanged definition is detected by
// comparing checksums, so no-op publishes do not burn version numbers.
func (d *WorkflowDefinition) Checksum() string {
	content := struct {
		Graph   Graph          `json:"graph"`
		Trigger *TriggerConfig `json:"trigger,omitempty"`
	}{Graph: d.Graph, Trigger: d.Trigger}

	raw, err := json.Marshal(content)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
