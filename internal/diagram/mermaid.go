package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a Model as a Mermaid flowchart.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
		for _, sg := range node.Children {
			fmt.Fprintf(&b, "    subgraph %s[%q]\n", mermaidSafeID(node.ID+"_"+sg.Label), sg.Label)
			for _, subNode := range sg.Nodes {
				fmt.Fprintf(&b, "        %s\n", mermaidNodeDef(subNode))
			}
			for _, edge := range sg.Edges {
				writeMermaidEdge(&b, "        ", edge)
			}
			b.WriteString("    end\n")
			if len(sg.Nodes) > 0 {
				fmt.Fprintf(&b, "    %s -.- %s\n", mermaidSafeID(node.ID), mermaidSafeID(sg.Nodes[0].ID))
			}
		}
	}

	for _, edge := range model.Edges {
		writeMermaidEdge(&b, "    ", edge)
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef timed_out fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef cancelled fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		writeMermaidClass(&b, node)
		for _, sg := range node.Children {
			for _, subNode := range sg.Nodes {
				writeMermaidClass(&b, subNode)
			}
		}
	}
	return b.String()
}

func writeMermaidEdge(b *strings.Builder, indent string, edge Edge) {
	label := ""
	if edge.Label != "" {
		label = fmt.Sprintf("|%q|", edge.Label)
	}
	fmt.Fprintf(b, "%s%s -->%s %s\n", indent, mermaidSafeID(edge.From), label, mermaidSafeID(edge.To))
}

func writeMermaidClass(b *strings.Builder, node *Node) {
	if node.Status == nil {
		return
	}
	if cls := statusClass(node.Status.Status); cls != "" {
		fmt.Fprintf(b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
	}
}

// mermaidNodeDef returns a node definition with a shape per kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := firstLine(node.Label)

	switch node.Kind {
	case NodeKindDecision:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindAgent:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindCustom:
		return fmt.Sprintf("%s[/%q/]", id, label)
	case NodeKindBranch, NodeKindLoop:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindFork, NodeKindJoin:
		return fmt.Sprintf("%s>%q]", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID replaces characters Mermaid does not accept in identifiers.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

// statusClass maps a status to a style class shared by the renderers.
func statusClass(status string) string {
	switch status {
	case "completed", "failed", "timed_out", "cancelled", "skipped":
		return status
	default:
		return ""
	}
}
