package diagram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/pkg/schema"
)

// requirePNG asserts the \x89PNG magic header.
func requirePNG(t *testing.T, data []byte) {
	t.Helper()
	require.Greater(t, len(data), 8, "PNG should be larger than its header")
	require.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data[:4])
}

func TestRenderImage(t *testing.T) {
	for name, build := range map[string]func() *schema.WorkflowDefinition{
		"linear":    linearWorkflow,
		"branching": branchingWorkflow,
		"waiting":   waitingWorkflow,
	} {
		t.Run(name, func(t *testing.T) {
			model, err := Build(build(), nil, nil)
			require.NoError(t, err)

			png, err := RenderImage(model)
			require.NoError(t, err)
			requirePNG(t, png)
		})
	}
}

func TestRenderImageWithStatus(t *testing.T) {
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	events := []*store.Event{
		nodeEvent("pull-orders", schema.EventNodeStarted, "", base),
		nodeEvent("pull-orders", schema.EventNodeCompleted, "", base.Add(100*time.Millisecond)),
		nodeEvent("enrich", schema.EventNodeStarted, "", base.Add(time.Second)),
	}
	exec := &store.Execution{
		ID:            "exec-1",
		Status:        schema.ExecutionRunning,
		CurrentNodeID: "enrich",
	}

	model, err := Build(linearWorkflow(), exec, events)
	require.NoError(t, err)

	png, err := RenderImage(model)
	require.NoError(t, err)
	requirePNG(t, png)
}

func TestRenderSVG(t *testing.T) {
	model, err := Build(waitingWorkflow(), nil, nil)
	require.NoError(t, err)

	svg, err := RenderSVG(model)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
	assert.Contains(t, string(svg), "approval")
}

func TestRenderSVGStatusFills(t *testing.T) {
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	events := []*store.Event{
		nodeEvent("pull-orders", schema.EventNodeStarted, "", base),
		nodeEvent("pull-orders", schema.EventNodeCompleted, "", base.Add(time.Second)),
		nodeEvent("enrich", schema.EventNodeStarted, "", base.Add(2*time.Second)),
	}
	exec := &store.Execution{
		ID:            "exec-1",
		Status:        schema.ExecutionRunning,
		CurrentNodeID: "enrich",
	}

	model, err := Build(linearWorkflow(), exec, events)
	require.NoError(t, err)

	svg, err := RenderSVG(model)
	require.NoError(t, err)

	out := string(svg)
	assert.Contains(t, out, "#276749", "completed node carries the green fill")
	assert.Contains(t, out, "#2b6cb0", "running node carries the blue fill")
}

func TestRenderSVGBranchLabels(t *testing.T) {
	model, err := Build(branchingWorkflow(), nil, nil)
	require.NoError(t, err)

	svg, err := RenderSVG(model)
	require.NoError(t, err)

	out := string(svg)
	assert.Contains(t, out, "in_stock")
	assert.Contains(t, out, "out_of_stock")
}
