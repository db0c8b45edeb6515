package diagram

import (
	"fmt"
	"time"

	"github.com/rendis/relay/internal/engine"
	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/pkg/schema"
)

// Build constructs a DiagramModel from a workflow definition and, optionally,
// a live execution with its event log. With a nil execution the model is a
// plain definition diagram; with one, per-node status is derived from the
// events (latest event per node wins, so a retried-then-successful node shows
// as completed) and the execution row colors the current node.
func Build(def *schema.WorkflowDefinition, exec *store.Execution, events []*store.Event) (*DiagramModel, error) {
	if def == nil {
		return nil, fmt.Errorf("diagram: nil definition")
	}
	g := &def.Graph
	if err := engine.ValidateGraph(g); err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}
	order, err := engine.TopoOrder(g)
	if err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}

	overlays := buildOverlays(exec, events)

	nodes := make([]*Node, 0, len(g.Nodes)+2)
	nodes = append(nodes, &Node{ID: "__start__", Label: "Start", Kind: NodeKindStart})
	for i := range g.Nodes {
		n := &g.Nodes[i]
		nodes = append(nodes, &Node{
			ID:     n.ID,
			Label:  nodeLabel(n),
			Kind:   kindFor(n.Type),
			Status: overlays[n.ID],
		})
	}
	nodes = append(nodes, &Node{ID: "__end__", Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title:  titleFromDef(def),
		Nodes:  nodes,
		Edges:  buildEdges(g),
		Levels: buildLevels(g, order),
	}, nil
}

// kindFor maps a workflow node type to a diagram shape class. Types are an
// open set; anything not recognized renders as a plain activity box.
func kindFor(nodeType string) NodeKind {
	switch nodeType {
	case "condition":
		return NodeKindCondition
	case "wait":
		return NodeKindWait
	case "workflow":
		return NodeKindSubflow
	default:
		return NodeKindActivity
	}
}

// nodeLabel creates a human-readable label. The second line carries the node
// type; renderers that only fit one line take the first.
func nodeLabel(n *schema.Node) string {
	if n.Name != "" {
		return fmt.Sprintf("%s\n(%s)", n.Name, n.Type)
	}
	if n.Type != "" && n.Type != n.ID {
		return fmt.Sprintf("%s\n(%s)", n.ID, n.Type)
	}
	return n.ID
}

// buildEdges converts graph edges and adds the virtual boundary edges:
// __start__ to the entry node, and every terminal node to __end__.
func buildEdges(g *schema.Graph) []Edge {
	edges := make([]Edge, 0, len(g.Edges)+2)

	if entry := g.EntryNodeID(); entry != "" {
		edges = append(edges, Edge{From: "__start__", To: entry})
	}

	for _, e := range g.Edges {
		edges = append(edges, Edge{From: e.From, To: e.To, Label: e.Label})
	}

	for i := range g.Nodes {
		if len(g.OutEdges(g.Nodes[i].ID)) == 0 {
			edges = append(edges, Edge{From: g.Nodes[i].ID, To: "__end__"})
		}
	}

	return edges
}

// buildLevels assigns each node its longest-path depth from the entry so
// renderers can lay nodes out in rows. Depths are contiguous: a node at depth
// d always has a predecessor at d-1.
func buildLevels(g *schema.Graph, order []string) [][]string {
	preds := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		preds[e.To] = append(preds[e.To], e.From)
	}

	depth := make(map[string]int, len(order))
	maxDepth := 1
	for _, id := range order {
		d := 1
		for _, p := range preds[id] {
			if pd, ok := depth[p]; ok && pd+1 > d {
				d = pd + 1
			}
		}
		depth[id] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]string, maxDepth+2)
	levels[0] = []string{"__start__"}
	for _, id := range order {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	levels[maxDepth+1] = []string{"__end__"}
	return levels
}

// buildOverlays folds the event log into per-node display status, then lets
// the execution row override the current node. Events must be in sequence
// order, which is how the store lists them.
func buildOverlays(exec *store.Execution, events []*store.Event) map[string]*StatusOverlay {
	if exec == nil && len(events) == 0 {
		return nil
	}

	overlays := make(map[string]*StatusOverlay)
	get := func(nodeID string) *StatusOverlay {
		o := overlays[nodeID]
		if o == nil {
			o = &StatusOverlay{Status: StatusPending}
			overlays[nodeID] = o
		}
		return o
	}

	started := make(map[string]time.Time)
	for _, ev := range events {
		if ev == nil || ev.NodeID == "" {
			continue
		}
		switch ev.Type {
		case schema.EventNodeStarted:
			started[ev.NodeID] = ev.Timestamp
			o := get(ev.NodeID)
			o.Status = StatusRunning
			o.Error = ""
		case schema.EventNodeCompleted:
			o := get(ev.NodeID)
			o.Status = StatusCompleted
			o.Error = ""
			if t, ok := started[ev.NodeID]; ok && ev.Timestamp.After(t) {
				o.DurationMs = ev.Timestamp.Sub(t).Milliseconds()
			}
		case schema.EventNodeFailed:
			o := get(ev.NodeID)
			o.Status = StatusFailed
			o.RetryCount++
			o.Error = ev.Message
		case schema.EventNodeSuspended:
			get(ev.NodeID).Status = StatusWaiting
		}
	}

	if exec != nil && exec.CurrentNodeID != "" {
		o := get(exec.CurrentNodeID)
		switch exec.Status {
		case schema.ExecutionRunning:
			o.Status = StatusRunning
		case schema.ExecutionWaitingSignal:
			o.Status = StatusWaiting
		case schema.ExecutionPaused:
			o.Status = StatusPaused
		case schema.ExecutionCancelled:
			if o.Status != StatusCompleted {
				o.Status = StatusCancelled
			}
		case schema.ExecutionFailed:
			o.Status = StatusFailed
			if o.Error == "" {
				o.Error = exec.Error
			}
		}
		if exec.RetryCount > 0 && o.RetryCount == 0 {
			o.RetryCount = exec.RetryCount
		}
	}

	return overlays
}

// titleFromDef picks a diagram title from the definition.
func titleFromDef(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	if def.WorkflowID != "" {
		return def.WorkflowID
	}
	return "Workflow"
}
