package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderASCIILinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil, nil)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.NotEmpty(t, output)

	// Title.
	assert.Contains(t, output, "Order Ingest")

	// Activity boxes use square borders.
	assert.Contains(t, output, "┌")
	assert.Contains(t, output, "┐")
	assert.Contains(t, output, "└")
	assert.Contains(t, output, "┘")
	assert.Contains(t, output, "│")
	assert.Contains(t, output, "─")

	// Start and end render as bare tokens, not boxes.
	assert.Contains(t, output, "( Start )")
	assert.Contains(t, output, "( End )")

	// Node labels.
	assert.Contains(t, output, "pull-orders")
	assert.Contains(t, output, "enrich")
	assert.Contains(t, output, "persist")
}

func TestRenderASCIIWithStatus(t *testing.T) {
	model := &DiagramModel{
		Title: "Test",
		Nodes: []*Node{
			{ID: "s", Label: "Start", Kind: NodeKindStart},
			{ID: "a", Label: "node-a", Kind: NodeKindActivity, Status: &StatusOverlay{Status: StatusCompleted, DurationMs: 100}},
			{ID: "b", Label: "node-b", Kind: NodeKindActivity, Status: &StatusOverlay{Status: StatusFailed, RetryCount: 2, Error: "connection refused"}},
			{ID: "c", Label: "node-c", Kind: NodeKindActivity, Status: &StatusOverlay{Status: StatusRunning}},
			{ID: "d", Label: "node-d", Kind: NodeKindWait, Status: &StatusOverlay{Status: StatusWaiting}},
			{ID: "e", Label: "node-e", Kind: NodeKindActivity, Status: &StatusOverlay{Status: StatusCancelled}},
			{ID: "f", Label: "node-f", Kind: NodeKindActivity, Status: &StatusOverlay{Status: StatusPending}},
			{ID: "g", Label: "node-g", Kind: NodeKindActivity, Status: &StatusOverlay{Status: StatusPaused}},
			{ID: "end", Label: "End", Kind: NodeKindEnd},
		},
		Levels: [][]string{{"s"}, {"a", "b", "c"}, {"d", "e", "f", "g"}, {"end"}},
	}

	output := RenderASCII(model)

	assert.Contains(t, output, "[OK] 100ms")
	assert.Contains(t, output, "[FAIL] retry x2")
	assert.Contains(t, output, "! connection refused")
	assert.Contains(t, output, "[RUN]")
	assert.Contains(t, output, "[WAIT]")
	assert.Contains(t, output, "[CXL]")
	assert.Contains(t, output, "[PEND]")
	assert.Contains(t, output, "[PAUSE]")

	// The wait node renders with double-line borders.
	assert.Contains(t, output, "╔")
	assert.Contains(t, output, "║ node-d")
}

func TestRenderASCIIBranching(t *testing.T) {
	model, err := Build(branchingWorkflow(), nil, nil)
	require.NoError(t, err)

	output := RenderASCII(model)

	// Both branch nodes render side by side on the same row somewhere.
	assert.Contains(t, output, "ship-order")
	assert.Contains(t, output, "backorder")
	assert.Contains(t, output, "▼") // level connector arrow

	// The condition node renders with rounded corners.
	assert.Contains(t, output, "╭")
	assert.Contains(t, output, "╯")
}

func TestRenderASCIIBranchLabelsOnConnector(t *testing.T) {
	model := &DiagramModel{
		Title: "Branches",
		Nodes: []*Node{
			{ID: "check", Label: "check", Kind: NodeKindCondition},
			{ID: "yes", Label: "yes-path", Kind: NodeKindActivity},
			{ID: "no", Label: "no-path", Kind: NodeKindActivity},
		},
		Edges: []Edge{
			{From: "check", To: "yes", Label: "approved"},
			{From: "check", To: "no", Label: "rejected"},
		},
		Levels: [][]string{{"check"}, {"yes", "no"}},
	}

	output := RenderASCII(model)
	assert.Contains(t, output, "approved / rejected")
}

func TestRenderASCIIRowsAlign(t *testing.T) {
	model := &DiagramModel{
		Nodes: []*Node{
			{ID: "a", Label: "tall", Kind: NodeKindActivity, Status: &StatusOverlay{Status: StatusCompleted, DurationMs: 5}},
			{ID: "b", Label: "short", Kind: NodeKindActivity},
		},
		Levels: [][]string{{"a", "b"}},
	}

	output := RenderASCII(model)
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	require.NotEmpty(t, lines)

	// Every line of a row is padded to the same total width.
	for _, line := range lines[1:] {
		assert.Equal(t, len([]rune(lines[0])), len([]rune(line)), "row lines should align: %q", line)
	}
}

func TestRenderASCIIEmptyModel(t *testing.T) {
	output := RenderASCII(&DiagramModel{Title: "Empty"})
	assert.Contains(t, output, "Empty")
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "exactly-te", clip("exactly-te", 10))
	assert.Equal(t, "truncated…", clip("truncated beyond", 10))
}
