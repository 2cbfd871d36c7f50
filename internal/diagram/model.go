// Package diagram renders workflow definitions, optionally overlaid with the
// step results of one execution, as Mermaid flowcharts, ASCII boxes or
// graphviz images.
package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindTool     NodeKind = "tool"
	NodeKindAgent    NodeKind = "agent"
	NodeKindCustom   NodeKind = "custom"
	NodeKindDecision NodeKind = "decision"
	NodeKindBranch   NodeKind = "branch"
	NodeKindLoop     NodeKind = "loop"
	NodeKindFork     NodeKind = "fork"
	NodeKindJoin     NodeKind = "join"
	NodeKindStart    NodeKind = "start"
	NodeKindEnd      NodeKind = "end"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is a step or a pattern control point.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // branch steps, loop body
}

// SubGraph holds the steps nested under a branch or loop node.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries the outcome of a node in one execution.
type StatusOverlay struct {
	Status     string // schema.StepStatus, or completed/failed/cancelled for containers
	DurationMs int64
	Attempts   int
	Runs       int // loop bodies run their steps once per iteration
	Error      string
}

// Edge connects two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

func (m *Model) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
