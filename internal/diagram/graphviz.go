package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// kindShapes maps node kinds to graphviz shapes. Kinds without an entry
// render as plain boxes.
var kindShapes = map[NodeKind]cgraph.Shape{
	NodeKindCondition: cgraph.DiamondShape,
	NodeKindWait:      cgraph.EllipseShape,
	NodeKindSubflow:   cgraph.HexagonShape,
	NodeKindStart:     cgraph.CircleShape,
	NodeKindEnd:       cgraph.CircleShape,
}

// paint is a status fill: background, text, and whether the border is
// dashed.
type paint struct {
	fill   string
	font   string
	dashed bool
}

var statusPaints = map[string]paint{
	StatusCompleted: {fill: "#276749", font: "white"},
	StatusFailed:    {fill: "#9b2c2c", font: "white"},
	StatusRunning:   {fill: "#2b6cb0", font: "white"},
	StatusWaiting:   {fill: "#b7791f", font: "white"},
	StatusPaused:    {fill: "#b7791f", font: "white", dashed: true},
	StatusPending:   {fill: "#e2e8f0", font: "black"},
	StatusCancelled: {fill: "#edf2f7", font: "#718096", dashed: true},
}

// RenderImage renders a DiagramModel as a PNG image using graphviz.
func RenderImage(model *DiagramModel) ([]byte, error) {
	return renderGraphviz(model, graphviz.PNG)
}

// RenderSVG renders a DiagramModel as an SVG document using graphviz.
func RenderSVG(model *DiagramModel) ([]byte, error) {
	return renderGraphviz(model, graphviz.SVG)
}

func renderGraphviz(model *DiagramModel, format graphviz.Format) ([]byte, error) {
	ctx := context.Background()

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	if err := populate(graph, model); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, format, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// populate fills a graphviz graph from the model: nodes first, then the
// edges between the ones that resolved.
func populate(graph *cgraph.Graph, model *DiagramModel) error {
	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		gvNode, err := graph.CreateNodeByName(node.ID)
		if err != nil {
			return fmt.Errorf("diagram: create node %s: %w", node.ID, err)
		}
		gvNode.SetLabel(firstLine(node.Label))
		styleNode(gvNode, node)
		gvNodes[node.ID] = gvNode
	}

	for _, edge := range model.Edges {
		from, to := gvNodes[edge.From], gvNodes[edge.To]
		if from == nil || to == nil {
			continue
		}
		e, err := graph.CreateEdgeByName("", from, to)
		if err == nil && edge.Label != "" {
			e.SetLabel(edge.Label)
		}
	}
	return nil
}

// styleNode applies shape by kind and fill by status.
func styleNode(gvNode *cgraph.Node, node *Node) {
	shape, ok := kindShapes[node.Kind]
	if !ok {
		shape = cgraph.BoxShape
	}
	gvNode.SetShape(shape)
	if node.Kind == NodeKindStart || node.Kind == NodeKindEnd {
		gvNode.SetWidth(0.5)
		gvNode.SetHeight(0.5)
	}

	if node.Status == nil {
		return
	}
	p, ok := statusPaints[node.Status.Status]
	if !ok {
		return
	}
	if p.dashed {
		gvNode.SetStyle(cgraph.DashedNodeStyle)
	} else {
		gvNode.SetStyle(cgraph.FilledNodeStyle)
	}
	gvNode.SetFillColor(p.fill)
	gvNode.SetFontColor(p.font)
}
