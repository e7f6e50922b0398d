package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for a node state.
func statusTag(st *StatusOverlay) string {
	switch st.Status {
	case StatusVisited:
		if st.Visits > 1 {
			return fmt.Sprintf("[OK x%d]", st.Visits)
		}
		return "[OK]"
	case StatusCurrent:
		return "[HERE]"
	case StatusFailed:
		return "[FAIL]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as text: one row of boxes per level,
// followed by the list of edges.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for levelIdx, level := range model.Levels {
		var boxes []asciiBox
		for _, nodeID := range level {
			if node := findNode(model.Nodes, nodeID); node != nil {
				boxes = append(boxes, makeBox(node))
			}
		}
		renderBoxRow(&b, boxes)
		if levelIdx < len(model.Levels)-1 && len(boxes) > 0 {
			b.WriteString("       │\n")
			b.WriteString("       ▼\n")
		}
	}

	if len(model.Edges) > 0 {
		b.WriteString("\nEdges:\n")
		for _, edge := range model.Edges {
			arrow := "─→"
			if edge.Implicit {
				arrow = "┄→"
			}
			label := ""
			if edge.Label != "" {
				label = " [" + edge.Label + "]"
			}
			fmt.Fprintf(&b, "  %s %s %s%s\n", edge.From, arrow, edge.To, label)
		}
	}

	return b.String()
}

type asciiBox struct {
	lines []string
	width int
}

// makeBox draws a node label, its kind and any status in a box.
func makeBox(node *Node) asciiBox {
	content := strings.Split(node.Label, "\n")
	if node.Status != nil {
		if tag := statusTag(node.Status); tag != "" {
			content = append(content, tag)
		}
		if node.Status.Error != "" {
			content = append(content, truncate(node.Status.Error, 40))
		}
	}

	maxLen := 0
	for _, line := range content {
		if n := len([]rune(line)); n > maxLen {
			maxLen = n
		}
	}
	width := maxLen + 4

	lines := []string{"┌" + strings.Repeat("─", width-2) + "┐"}
	for _, line := range content {
		pad := maxLen - len([]rune(line))
		lines = append(lines, "│ "+line+strings.Repeat(" ", pad)+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")
	return asciiBox{lines: lines, width: width}
}

// renderBoxRow writes boxes side by side.
func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	maxHeight := 0
	for _, box := range boxes {
		if len(box.lines) > maxHeight {
			maxHeight = len(box.lines)
		}
	}
	for row := 0; row < maxHeight; row++ {
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

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
