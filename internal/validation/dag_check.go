package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/relay/pkg/schema"
)

// validateDAG performs graph analysis on the definition graph: edge
// reference checks, cycle detection (Kahn's algorithm), entry-point
// ambiguity and dead-node reachability (BFS from the entry).
func validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	g := &def.Graph

	nodeIDs := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		nodeIDs[n.ID] = true
	}

	// Edge references. Broken edges are dropped from the analysis below
	// so one bad reference does not cascade into phantom cycle reports.
	adjacency := make(map[string][]string, len(g.Nodes))
	indegree := make(map[string]int, len(g.Nodes))
	for i, e := range g.Edges {
		ok := true
		if !nodeIDs[e.From] {
			result.AddError(fmt.Sprintf("graph.edges[%d].from", i),
				schema.ErrCodeValidation, "references non-existent node %q", e.From)
			ok = false
		}
		if !nodeIDs[e.To] {
			result.AddError(fmt.Sprintf("graph.edges[%d].to", i),
				schema.ErrCodeValidation, "references non-existent node %q", e.To)
			ok = false
		}
		if ok {
			adjacency[e.From] = append(adjacency[e.From], e.To)
			indegree[e.To]++
		}
	}

	// Kahn's algorithm for cycle detection.
	queue := make([]string, 0, len(g.Nodes))
	for id := range nodeIDs {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	// Sort roots for deterministic output.
	sort.Strings(queue)

	roots := make([]string, len(queue))
	copy(roots, queue)

	remaining := make(map[string]int, len(nodeIDs))
	for id := range nodeIDs {
		remaining[id] = indegree[id]
	}

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adjacency[node] {
			remaining[next]--
			if remaining[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(nodeIDs) {
		result.AddError("graph", schema.ErrCodeCycleDetected, "workflow graph contains a cycle")
		return result // cycle makes reachability analysis meaningless
	}

	// Entry-point ambiguity: with several roots, execution starts at the
	// first node in definition order and other roots never run.
	if len(roots) > 1 {
		result.AddWarning("graph.nodes", schema.ErrCodeValidation,
			"%d nodes have no incoming edges (%v); execution enters at the first node in definition order", len(roots), roots)
	}

	// Reachability: BFS from the entry node through out-edges.
	entry := g.EntryNodeID()
	reachable := map[string]bool{entry: true}
	bfsQueue := []string{entry}
	for len(bfsQueue) > 0 {
		node := bfsQueue[0]
		bfsQueue = bfsQueue[1:]
		for _, next := range adjacency[node] {
			if !reachable[next] {
				reachable[next] = true
				bfsQueue = append(bfsQueue, next)
			}
		}
	}

	for _, n := range g.Nodes {
		if !reachable[n.ID] {
			result.AddWarning(fmt.Sprintf("graph.nodes[%s]", n.ID),
				schema.ErrCodeValidation, "node %q is unreachable from entry node %q", n.ID, entry)
		}
	}

	return result
}
