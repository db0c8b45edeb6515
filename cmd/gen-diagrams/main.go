// gen-diagrams renders the sample workflow diagrams embedded in the README.
// Run: go run ./cmd/gen-diagrams
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/relay/internal/diagram"
	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/pkg/schema"
)

func main() {
	def := orderRouting()
	exec, events := midFlight()

	model, err := diagram.Build(def, exec, events)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build diagram: %v\n", err)
		os.Exit(1)
	}

	outDir := filepath.Join("docs", "assets")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create %s: %v\n", outDir, err)
		os.Exit(1)
	}

	ascii := diagram.RenderASCII(model)
	writeOut(filepath.Join(outDir, "diagram-ascii.txt"), []byte(ascii))
	fmt.Println("=== ASCII ===")
	fmt.Println(ascii)

	mermaid := diagram.RenderMermaid(model)
	writeOut(filepath.Join(outDir, "diagram-mermaid.md"), []byte("```mermaid\n"+mermaid+"\n```\n"))
	fmt.Println("=== Mermaid ===")
	fmt.Println(mermaid)

	if png, err := diagram.RenderImage(model); err != nil {
		fmt.Fprintf(os.Stderr, "render png: %v\n", err)
	} else {
		path := filepath.Join(outDir, "diagram-sample.png")
		writeOut(path, png)
		fmt.Printf("=== PNG ===\nwritten: %s (%d bytes)\n", path, len(png))
	}
}

// orderRouting is the README's running example: price an order, branch on
// the total, hold for approval on the expensive path, then charge.
func orderRouting() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		WorkflowID: "order-routing",
		Name:       "Order Routing",
		Graph: schema.Graph{
			Nodes: []schema.Node{
				{ID: "fetch-order", Type: "http"},
				{ID: "price", Type: "script"},
				{ID: "review", Type: "condition"},
				{ID: "approval", Type: "wait"},
				{ID: "charge", Type: "http"},
				{ID: "confirm", Type: "log"},
			},
			Edges: []schema.Edge{
				{From: "fetch-order", To: "price"},
				{From: "price", To: "review"},
				{From: "review", To: "approval", Label: "manual"},
				{From: "review", To: "charge", Label: "auto"},
				{From: "approval", To: "charge"},
				{From: "charge", To: "confirm"},
			},
		},
	}
}

// midFlight fakes an execution parked on the approval node so the sample
// shows completed, waiting and pending states at once.
func midFlight() (*store.Execution, []*store.Event) {
	t0 := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	at := func(d time.Duration) time.Time { return t0.Add(d) }

	ev := func(nodeID, evType string, ts time.Time) *store.Event {
		return &store.Event{ExecutionID: "exec-sample", NodeID: nodeID, Type: evType, Timestamp: ts}
	}

	events := []*store.Event{
		ev("fetch-order", schema.EventNodeStarted, at(0)),
		ev("fetch-order", schema.EventNodeCompleted, at(450*time.Millisecond)),
		ev("price", schema.EventNodeStarted, at(500*time.Millisecond)),
		ev("price", schema.EventNodeCompleted, at(512*time.Millisecond)),
		ev("review", schema.EventNodeStarted, at(520*time.Millisecond)),
		ev("review", schema.EventNodeCompleted, at(523*time.Millisecond)),
		ev("approval", schema.EventNodeStarted, at(530*time.Millisecond)),
		ev("approval", schema.EventNodeSuspended, at(531*time.Millisecond)),
	}

	exec := &store.Execution{
		ID:             "exec-sample",
		WorkflowID:     "order-routing",
		Status:         schema.ExecutionWaitingSignal,
		CurrentNodeID:  "approval",
		WaitSignalType: "approval",
	}
	return exec, events
}

func writeOut(path string, data []byte) {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", path, err)
	}
}
