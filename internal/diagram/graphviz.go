package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// ImageFormat selects the graphviz output.
type ImageFormat string

const (
	FormatPNG ImageFormat = "png"
	FormatSVG ImageFormat = "svg"
)

// RenderImage lays out a Model with dot and returns the encoded image.
func RenderImage(ctx context.Context, model *Model, format ImageFormat) ([]byte, error) {
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
		gvNode, err := graph.CreateNodeByName(node.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, err)
		}
		gvNode.SetLabel(node.Label)
		applyNodeStyle(gvNode, node)
		gvNodes[node.ID] = gvNode
	}

	for _, node := range model.Nodes {
		for _, sg := range node.Children {
			sub, err := graph.CreateSubGraphByName("cluster_" + node.ID)
			if err != nil {
				return nil, fmt.Errorf("diagram: create cluster %s: %w", node.ID, err)
			}
			sub.SetLabel(sg.Label)
			sub.SetStyle(cgraph.DashedGraphStyle)

			for _, subNode := range sg.Nodes {
				gvSub, err := sub.CreateNodeByName(subNode.ID)
				if err != nil {
					return nil, fmt.Errorf("diagram: create node %s: %w", subNode.ID, err)
				}
				gvSub.SetLabel(subNode.Label)
				applyNodeStyle(gvSub, subNode)
				gvNodes[subNode.ID] = gvSub
			}
			for _, edge := range sg.Edges {
				if err := addEdge(graph, gvNodes, edge); err != nil {
					return nil, err
				}
			}
			if len(sg.Nodes) > 0 {
				e, err := graph.CreateEdgeByName("", gvNodes[node.ID], gvNodes[sg.Nodes[0].ID])
				if err != nil {
					return nil, fmt.Errorf("diagram: link cluster %s: %w", node.ID, err)
				}
				e.SetStyle(cgraph.DottedEdgeStyle)
			}
		}
	}

	for _, edge := range model.Edges {
		if err := addEdge(graph, gvNodes, edge); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

func addEdge(graph *cgraph.Graph, nodes map[string]*cgraph.Node, edge Edge) error {
	from, to := nodes[edge.From], nodes[edge.To]
	if from == nil || to == nil {
		return nil
	}
	e, err := graph.CreateEdgeByName("", from, to)
	if err != nil {
		return fmt.Errorf("diagram: create edge %s -> %s: %w", edge.From, edge.To, err)
	}
	if edge.Label != "" {
		e.SetLabel(edge.Label)
	}
	return nil
}

// applyNodeStyle sets the shape by kind and the fill by status.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindTool:
		gvNode.SetShape(cgraph.BoxShape)
	case NodeKindDecision:
		gvNode.SetShape(cgraph.DiamondShape)
	case NodeKindAgent:
		gvNode.SetShape(cgraph.HexagonShape)
	case NodeKindCustom:
		gvNode.SetShape(cgraph.ParallelogramShape)
	case NodeKindBranch, NodeKindLoop:
		gvNode.SetShape(cgraph.BoxShape) // no record shape in go-graphviz v0.2
	case NodeKindFork, NodeKindJoin:
		gvNode.SetShape(cgraph.TrapeziumShape)
	case NodeKindStart, NodeKindEnd:
		gvNode.SetShape(cgraph.CircleShape)
		gvNode.SetWidth(0.5)
		gvNode.SetHeight(0.5)
	}
	if node.Status != nil {
		applyStatusColor(gvNode, node.Status.Status)
	}
}

func applyStatusColor(gvNode *cgraph.Node, status string) {
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	switch status {
	case "completed":
		gvNode.SetFillColor("#2d6a2d")
		gvNode.SetFontColor("white")
	case "failed":
		gvNode.SetFillColor("#8b1a1a")
		gvNode.SetFontColor("white")
	case "timed_out":
		gvNode.SetFillColor("#b7791a")
		gvNode.SetFontColor("white")
	case "cancelled":
		gvNode.SetFillColor("#d3d3d3")
		gvNode.SetFontColor("black")
	case "skipped":
		gvNode.SetFillColor("#e8e8e8")
		gvNode.SetFontColor("#888888")
		gvNode.SetStyle(cgraph.DashedNodeStyle)
	}
}
