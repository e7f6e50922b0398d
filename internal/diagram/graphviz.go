package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// ImageFormat selects the graphviz output encoding.
type ImageFormat string

const (
	FormatPNG ImageFormat = "png"
	FormatSVG ImageFormat = "svg"
)

// RenderImage lays out a DiagramModel with dot and encodes it as PNG or SVG.
func RenderImage(ctx context.Context, model *DiagramModel, format ImageFormat) ([]byte, error) {
	var gvFormat graphviz.Format
	switch format {
	case FormatPNG, "":
		gvFormat = graphviz.PNG
	case FormatSVG:
		gvFormat = graphviz.SVG
	default:
		return nil, fmt.Errorf("diagram: unsupported image format %q", format)
	}

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

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		gvNode, nErr := graph.CreateNodeByName(node.ID)
		if nErr != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, nErr)
		}
		gvNode.SetLabel(node.Label)
		applyNodeStyle(gvNode, node)
		gvNodes[node.ID] = gvNode
	}

	for _, edge := range model.Edges {
		fromGV, toGV := gvNodes[edge.From], gvNodes[edge.To]
		if fromGV == nil || toGV == nil {
			continue
		}
		e, eErr := graph.CreateEdgeByName("", fromGV, toGV)
		if eErr != nil {
			return nil, fmt.Errorf("diagram: create edge %s -> %s: %w", edge.From, edge.To, eErr)
		}
		if edge.Label != "" {
			e.SetLabel(edge.Label)
		}
		if edge.Implicit {
			e.SetStyle(cgraph.DashedEdgeStyle)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// applyNodeStyle sets the shape by kind and the fill by overlay status.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindDecision:
		gvNode.SetShape(cgraph.DiamondShape)
	case NodeKindWait:
		gvNode.SetShape(cgraph.EllipseShape)
	case NodeKindLoop:
		gvNode.SetShape(cgraph.HexagonShape)
	case NodeKindMessage:
		gvNode.SetShape(cgraph.NoteShape)
	case NodeKindData:
		gvNode.SetShape(cgraph.ParallelogramShape)
	case NodeKindStart, NodeKindEnd:
		gvNode.SetShape(cgraph.CircleShape)
	default:
		gvNode.SetShape(cgraph.BoxShape)
	}

	if node.Status == nil {
		return
	}
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	gvNode.SetFontColor("white")
	switch node.Status.Status {
	case StatusVisited:
		gvNode.SetFillColor("#2d6a2d")
	case StatusCurrent:
		gvNode.SetFillColor("#b7791a")
	case StatusFailed:
		gvNode.SetFillColor("#8b1a1a")
	}
}
