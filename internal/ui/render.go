package ui

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// RenderHeader displays the console banner
func RenderHeader(version, adminAddr string) string {
	width := 60

	var sb strings.Builder

	titleText := fmt.Sprintf(" robohub v%s ", version)
	titleLen := utf8.RuneCountInString(titleText)
	leftDashes := 3
	rightDashes := width - 2 - leftDashes - titleLen
	if rightDashes < 0 {
		rightDashes = 0
	}

	sb.WriteString(Color(Cyan, BoxTopLeft))
	sb.WriteString(Color(Cyan, strings.Repeat(BoxHorizontal, leftDashes)))
	sb.WriteString(Color(Cyan+Bold, titleText))
	sb.WriteString(Color(Cyan, strings.Repeat(BoxHorizontal, rightDashes)))
	sb.WriteString(Color(Cyan, BoxTopRight))
	sb.WriteString("\n")

	sb.WriteString(formatCenteredLine("", width))
	sb.WriteString(formatCenteredLine(Color(Bold, "operator console"), width))
	sb.WriteString(formatCenteredLine(Color(Dim, "admin "+adminAddr), width))
	sb.WriteString(formatCenteredLine("", width))

	sb.WriteString(Color(Cyan, BoxBottomLeft+strings.Repeat(BoxHorizontal, width-2)+BoxBottomRight))
	sb.WriteString("\n")

	return sb.String()
}

// formatCenteredLine creates a centered line within the box
func formatCenteredLine(text string, width int) string {
	var sb strings.Builder

	visibleLen := visibleLength(text)
	padding := (width - 2 - visibleLen) / 2
	rightPadding := width - 2 - padding - visibleLen
	if padding < 0 {
		padding = 0
	}
	if rightPadding < 0 {
		rightPadding = 0
	}

	sb.WriteString(Color(Cyan, BoxVertical))
	sb.WriteString(strings.Repeat(" ", padding))
	sb.WriteString(text)
	sb.WriteString(strings.Repeat(" ", rightPadding))
	sb.WriteString(Color(Cyan, BoxVertical))
	sb.WriteString("\n")

	return sb.String()
}

// visibleLength returns the visible length of a string, ignoring ANSI codes
func visibleLength(s string) int {
	inEscape := false
	visible := 0
	for _, r := range s {
		if r == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if r == 'm' {
				inEscape = false
			}
			continue
		}
		visible++
	}
	return visible
}

// RenderTable lays rows out in left-aligned columns under a bold header.
// Cells may contain color codes.
func RenderTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = visibleLength(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if n := visibleLength(row[i]); n > widths[i] {
				widths[i] = n
			}
		}
	}

	var sb strings.Builder
	writeRow := func(cells []string, style string) {
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			if style != "" {
				sb.WriteString(Color(style, cell))
			} else {
				sb.WriteString(cell)
			}
			if i < len(widths)-1 {
				sb.WriteString(strings.Repeat(" ", widths[i]-visibleLength(cell)+2))
			}
		}
		sb.WriteString("\n")
	}

	writeRow(headers, Bold)
	for _, row := range rows {
		writeRow(row, "")
	}
	return sb.String()
}

// RenderHelpLines displays console command hints
func RenderHelpLines() string {
	var sb strings.Builder

	sb.WriteString(Color(Dim, "  Commands: "))
	for i, c := range []string{"sessions", "status", "jpeg", "move <dir> [secs]", "stop", "help", "exit"} {
		if i > 0 {
			sb.WriteString(Color(Dim, " | "))
		}
		sb.WriteString(c)
	}
	sb.WriteString("\n")
	sb.WriteString(Color(Dim, "  Prefix with @<slot> or @<key> to target one session"))
	sb.WriteString("\n\n")

	return sb.String()
}

// RenderPrompt returns the styled console prompt
func RenderPrompt() string {
	return Color(Bold+Green, "hub> ")
}

// RenderError formats an error message
func RenderError(err error) string {
	return Color(Red, fmt.Sprintf("Error: %v", err))
}

// RenderSuccess formats a success message
func RenderSuccess(msg string) string {
	return Color(Green, msg)
}

// RenderDim formats text in dim style
func RenderDim(msg string) string {
	return Color(Dim, msg)
}
