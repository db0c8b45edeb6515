package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// statusTags maps display statuses to their short indicators.
var statusTags = map[string]string{
	StatusCompleted: "[OK]",
	StatusFailed:    "[FAIL]",
	StatusRunning:   "[RUN]",
	StatusWaiting:   "[WAIT]",
	StatusPaused:    "[PAUSE]",
	StatusCancelled: "[CXL]",
	StatusPending:   "[PEND]",
}

// statusLine compacts an overlay into one annotation line, e.g.
// "[OK] 120ms" or "[FAIL] retry x2".
func statusLine(o *StatusOverlay) string {
	parts := make([]string, 0, 3)
	if tag := statusTags[o.Status]; tag != "" {
		parts = append(parts, tag)
	}
	if o.DurationMs > 0 {
		parts = append(parts, fmt.Sprintf("%dms", o.DurationMs))
	}
	if o.RetryCount > 0 {
		parts = append(parts, fmt.Sprintf("retry x%d", o.RetryCount))
	}
	return strings.Join(parts, " ")
}

// boxStyle is the set of border runes for one node kind.
type boxStyle struct {
	tl, tr, bl, br, h, v string
}

var (
	squareBox  = boxStyle{"┌", "┐", "└", "┘", "─", "│"}
	roundedBox = boxStyle{"╭", "╮", "╰", "╯", "─", "│"}
	doubleBox  = boxStyle{"╔", "╗", "╚", "╝", "═", "║"}
)

// styleFor picks the border style: conditions render rounded, signal
// waits double-lined, everything else square.
func styleFor(kind NodeKind) boxStyle {
	switch kind {
	case NodeKindCondition:
		return roundedBox
	case NodeKindWait:
		return doubleBox
	default:
		return squareBox
	}
}

// RenderASCII renders the model as rows of bordered boxes, one row per
// graph level, connected top to bottom. Condition branch labels ride
// the connector between rows.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	byID := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		byID[n.ID] = n
	}

	for i, level := range model.Levels {
		var row []asciiBox
		for _, id := range level {
			if n := byID[id]; n != nil {
				row = append(row, buildBox(n))
			}
		}
		writeRow(&b, row)
		if i < len(model.Levels)-1 {
			writeConnector(&b, branchLabels(model, level))
		}
	}
	return b.String()
}

// asciiBox is one rendered node: bordered lines of equal width.
type asciiBox struct {
	lines []string
	width int
}

// buildBox borders a node's content. Start and end markers render as
// bare tokens instead of boxes.
func buildBox(n *Node) asciiBox {
	if n.Kind == NodeKindStart || n.Kind == NodeKindEnd {
		token := "( " + firstLine(n.Label) + " )"
		return asciiBox{lines: []string{token}, width: utf8.RuneCountInString(token)}
	}

	content := []string{firstLine(n.Label)}
	if n.Status != nil {
		if line := statusLine(n.Status); line != "" {
			content = append(content, line)
		}
		if n.Status.Error != "" && n.Status.Status == StatusFailed {
			content = append(content, "! "+clip(n.Status.Error, 28))
		}
	}

	inner := 0
	for _, line := range content {
		if w := utf8.RuneCountInString(line); w > inner {
			inner = w
		}
	}

	st := styleFor(n.Kind)
	lines := make([]string, 0, len(content)+2)
	lines = append(lines, st.tl+strings.Repeat(st.h, inner+2)+st.tr)
	for _, line := range content {
		pad := strings.Repeat(" ", inner-utf8.RuneCountInString(line))
		lines = append(lines, st.v+" "+line+pad+" "+st.v)
	}
	lines = append(lines, st.bl+strings.Repeat(st.h, inner+2)+st.br)
	return asciiBox{lines: lines, width: inner + 4}
}

// writeRow prints a level's boxes side by side, padding short boxes so
// columns stay aligned.
func writeRow(b *strings.Builder, row []asciiBox) {
	if len(row) == 0 {
		return
	}
	height := 0
	for _, box := range row {
		if len(box.lines) > height {
			height = len(box.lines)
		}
	}
	for y := 0; y < height; y++ {
		for x, box := range row {
			if x > 0 {
				b.WriteString("  ")
			}
			if y < len(box.lines) {
				b.WriteString(box.lines[y])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}

// writeConnector draws the arrow to the next row, annotated with any
// branch labels leaving the current one.
func writeConnector(b *strings.Builder, labels []string) {
	if len(labels) > 0 {
		fmt.Fprintf(b, "       │  %s\n", strings.Join(labels, " / "))
	} else {
		b.WriteString("       │\n")
	}
	b.WriteString("       ▼\n")
}

// branchLabels collects the distinct labels on edges leaving a level,
// in edge order.
func branchLabels(model *DiagramModel, level []string) []string {
	in := make(map[string]bool, len(level))
	for _, id := range level {
		in[id] = true
	}
	seen := make(map[string]bool)
	var labels []string
	for _, e := range model.Edges {
		if e.Label == "" || !in[e.From] || seen[e.Label] {
			continue
		}
		seen[e.Label] = true
		labels = append(labels, e.Label)
	}
	return labels
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

// clip truncates s to max runes, marking the cut with an ellipsis.
func clip(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-1]) + "…"
}
