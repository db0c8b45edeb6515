package engine

import (
	"sort"

	"github.com/rendis/relay/pkg/schema"
)

// ValidateGraph checks the structural soundness of a workflow graph:
// at least one node, unique non-empty node IDs, edges that reference
// declared nodes, and no cycles. Execution order inside the engine
// relies on these properties, so definitions are validated on load.
func ValidateGraph(g *schema.Graph) error {
	if g == nil || len(g.Nodes) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "workflow graph has no nodes")
	}

	ids := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return schema.NewError(schema.ErrCodeValidation, "workflow graph contains a node without an id")
		}
		if ids[n.ID] {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id %q", n.ID)
		}
		ids[n.ID] = true
	}

	for _, e := range g.Edges {
		if !ids[e.From] {
			return schema.NewErrorf(schema.ErrCodeValidation, "edge references unknown node %q", e.From)
		}
		if !ids[e.To] {
			return schema.NewErrorf(schema.ErrCodeValidation, "edge references unknown node %q", e.To)
		}
	}

	if _, err := TopoOrder(g); err != nil {
		return err
	}
	return nil
}

// TopoOrder returns the node IDs in a topological order computed with
// Kahn's algorithm. A cycle yields a CYCLE_DETECTED error naming the
// nodes trapped in it.
func TopoOrder(g *schema.Graph) ([]string, error) {
	indegree := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range g.Edges {
		indegree[e.To]++
	}

	var queue []string
	for _, n := range g.Nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	order := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, e := range g.OutEdges(id) {
			indegree[e.To]--
			if indegree[e.To] == 0 {
				queue = append(queue, e.To)
			}
		}
	}

	if len(order) != len(g.Nodes) {
		var trapped []string
		done := make(map[string]bool, len(order))
		for _, id := range order {
			done[id] = true
		}
		for _, n := range g.Nodes {
			if !done[n.ID] {
				trapped = append(trapped, n.ID)
			}
		}
		sort.Strings(trapped)
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow graph contains a cycle").
			WithDetails(map[string]any{"nodes": trapped})
	}
	return order, nil
}

// NextNode resolves the successor of a node after a successful tick.
// An empty selector takes the first out-edge in definition order; a
// non-empty selector matches an out-edge label first and a successor
// node ID second. Returns "" when the node has no out-edges, which
// completes the execution.
func NextNode(g *schema.Graph, nodeID, selector string) (string, error) {
	edges := g.OutEdges(nodeID)
	if len(edges) == 0 {
		if selector != "" {
			return "", schema.NewErrorf(schema.ErrCodeValidation,
				"node %q selected branch %q but has no out-edges", nodeID, selector)
		}
		return "", nil
	}
	if selector == "" {
		return edges[0].To, nil
	}
	for _, e := range edges {
		if e.Label == selector {
			return e.To, nil
		}
	}
	for _, e := range edges {
		if e.To == selector {
			return e.To, nil
		}
	}
	return "", schema.NewErrorf(schema.ErrCodeValidation,
		"branch %q does not match any out-edge of node %q", selector, nodeID).
		WithDetails(map[string]any{"node_id": nodeID, "selector": selector})
}
