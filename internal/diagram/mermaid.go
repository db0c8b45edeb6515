package diagram

import (
	"fmt"
	"strings"
)

// mermaidShape is a flowchart bracket pair.
type mermaidShape struct {
	open  string
	close string
}

// mermaidShapes maps node kinds onto bracket pairs: diamond for
// conditions, stadium for waits, double brackets for subflows, circles
// for the start and end markers. Activities fall back to a plain box.
var mermaidShapes = map[NodeKind]mermaidShape{
	NodeKindCondition: {"{", "}"},
	NodeKindWait:      {"([", "])"},
	NodeKindSubflow:   {"[[", "]]"},
	NodeKindStart:     {"((", "))"},
	NodeKindEnd:       {"((", "))"},
}

// mermaidClasses pairs each status class with its style, in the order
// the classDef block lists them.
var mermaidClasses = []struct {
	name  string
	style string
}{
	{"completed", "fill:#2d6a2d,stroke:#1a4a1a,color:#fff"},
	{"failed", "fill:#8b1a1a,stroke:#5c0e0e,color:#fff"},
	{"running", "fill:#1a5276,stroke:#0e3a52,color:#fff"},
	{"waiting", "fill:#b7791a,stroke:#8a5c14,color:#fff"},
	{"pending", "fill:#6b6b6b,stroke:#4a4a4a,color:#fff"},
	{"cancelled", "fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5"},
}

// mermaidStatusClasses maps display statuses onto class names. Paused
// shares the waiting style.
var mermaidStatusClasses = map[string]string{
	StatusCompleted: "completed",
	StatusFailed:    "failed",
	StatusRunning:   "running",
	StatusWaiting:   "waiting",
	StatusPaused:    "waiting",
	StatusPending:   "pending",
	StatusCancelled: "cancelled",
}

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
// Edge labels carry condition branch keys.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		shape, ok := mermaidShapes[node.Kind]
		if !ok {
			shape = mermaidShape{"[", "]"}
		}
		fmt.Fprintf(&b, "    %s%s%q%s\n",
			mermaidSafeID(node.ID), shape.open, firstLine(node.Label), shape.close)
	}

	for _, edge := range model.Edges {
		arrow := "-->"
		if edge.Label != "" {
			arrow = "-->|" + edge.Label + "|"
		}
		fmt.Fprintf(&b, "    %s %s %s\n",
			mermaidSafeID(edge.From), arrow, mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	for _, c := range mermaidClasses {
		fmt.Fprintf(&b, "    classDef %s %s\n", c.name, c.style)
	}
	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		if cls, ok := mermaidStatusClasses[node.Status.Status]; ok {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
		}
	}

	return b.String()
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
// Replaces dots, dashes and spaces with underscores.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}
