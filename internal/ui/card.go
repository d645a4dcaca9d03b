package ui

import (
	"fmt"
	"strings"
)

// CardField is one labeled line of a card
type CardField struct {
	Label string
	Value string
}

// RenderCard displays fields in a titled box, e.g. a single session's detail
func RenderCard(title string, fields []CardField) string {
	width := 70

	var sb strings.Builder

	titleText := fmt.Sprintf(" %s ", title)
	topPadding := width - 4 - visibleLength(titleText)
	if topPadding < 0 {
		topPadding = 0
	}
	sb.WriteString(Color(Cyan, BoxTopLeft+strings.Repeat(BoxHorizontal, 2)))
	sb.WriteString(Color(Cyan+Bold, titleText))
	sb.WriteString(Color(Cyan, strings.Repeat(BoxHorizontal, topPadding)+BoxTopRight))
	sb.WriteString("\n")

	labelWidth := 0
	for _, f := range fields {
		if len(f.Label) > labelWidth {
			labelWidth = len(f.Label)
		}
	}

	for _, f := range fields {
		value := truncate(f.Value, width-labelWidth-7)
		line := fmt.Sprintf(" %s %s", Color(Dim, fmt.Sprintf("%-*s", labelWidth+1, f.Label+":")), value)
		padding := width - 2 - visibleLength(line)
		if padding < 0 {
			padding = 0
		}
		sb.WriteString(Color(Cyan, BoxVertical))
		sb.WriteString(line)
		sb.WriteString(strings.Repeat(" ", padding))
		sb.WriteString(Color(Cyan, BoxVertical))
		sb.WriteString("\n")
	}

	sb.WriteString(Color(Cyan, BoxBottomLeft+strings.Repeat(BoxHorizontal, width-2)+BoxBottomRight))
	sb.WriteString("\n")

	return sb.String()
}

// truncate shortens a string if it exceeds maxLen
func truncate(s string, maxLen int) string {
	if maxLen <= 3 {
		return s
	}
	if visibleLength(s) <= maxLen {
		return s
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
