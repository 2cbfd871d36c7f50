package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// statusTag returns a short ASCII indicator for a status.
func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "timed_out":
		return "[TIMEOUT]"
	case "cancelled":
		return "[CANCEL]"
	case "skipped":
		return "[SKIP]"
	default:
		return ""
	}
}

// RenderASCII renders a Model as boxes laid out level by level, followed by
// the nested steps of every branch and loop.
func RenderASCII(model *Model) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, level := range model.Levels {
		var boxes []asciiBox
		for _, id := range level {
			if node := model.node(id); node != nil {
				boxes = append(boxes, makeBox(node))
			}
		}
		renderBoxRow(&b, boxes)
		if i < len(model.Levels)-1 && len(boxes) > 0 {
			b.WriteString("       │\n")
			b.WriteString("       ▼\n")
		}
	}

	for _, node := range model.Nodes {
		for _, sg := range node.Children {
			renderSubGraph(&b, node, sg)
		}
	}
	return b.String()
}

type asciiBox struct {
	lines []string
	width int
}

func makeBox(node *Node) asciiBox {
	content := []string{firstLine(node.Label)}
	if node.Status != nil {
		if tag := statusTag(node.Status.Status); tag != "" {
			content = append(content, tag)
		}
		if node.Status.DurationMs > 0 {
			content = append(content, fmt.Sprintf("%dms", node.Status.DurationMs))
		}
	}

	maxLen := 0
	for _, line := range content {
		maxLen = max(maxLen, utf8.RuneCountInString(line))
	}
	width := maxLen + 4

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width-2)+"┐")
	for _, line := range content {
		pad := strings.Repeat(" ", maxLen-utf8.RuneCountInString(line))
		lines = append(lines, "│ "+line+pad+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")
	return asciiBox{lines: lines, width: width}
}

func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	height := 0
	for _, box := range boxes {
		height = max(height, len(box.lines))
	}
	for row := 0; row < height; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}

func renderSubGraph(b *strings.Builder, parent *Node, sg *SubGraph) {
	fmt.Fprintf(b, "\n--- %s: %s ---\n", firstLine(parent.Label), sg.Label)
	for i, node := range sg.Nodes {
		line := fmt.Sprintf("  %d. %s", i+1, strings.ReplaceAll(node.Label, "\n", " "))
		if node.Status != nil {
			if tag := statusTag(node.Status.Status); tag != "" {
				line += " " + tag
			}
			if node.Status.Runs > 1 {
				line += fmt.Sprintf(" x%d", node.Status.Runs)
			}
		}
		b.WriteString(line + "\n")
	}
}
