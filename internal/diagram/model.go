package diagram

// NodeKind classifies a diagram node by its workflow node type.
type NodeKind string

const (
	NodeKindActivity  NodeKind = "activity"
	NodeKindCondition NodeKind = "condition"
	NodeKindWait      NodeKind = "wait"
	NodeKindSubflow   NodeKind = "subflow"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// Node display statuses derived from an execution's event log. These are
// presentation values, not store types: a node can be "failed" mid-run and
// "completed" after a retry succeeds, and only the latest event counts.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRunning   = "running"
	StatusWaiting   = "waiting"
	StatusPaused    = "paused"
	StatusCancelled = "cancelled"
	StatusPending   = "pending"
)

// DiagramModel is the renderer-neutral form of a workflow graph. Build
// produces it once; the Mermaid, ASCII and Graphviz renderers all consume it.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single workflow node in the diagram, plus the virtual
// __start__ and __end__ markers.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node, derived from the execution
// row and its event log.
type StatusOverlay struct {
	Status     string
	DurationMs int64
	RetryCount int
	Error      string
}

// Edge represents a directed connection between two nodes. Label carries the
// branch key on condition out-edges.
type Edge struct {
	From  string
	To    string
	Label string
}
