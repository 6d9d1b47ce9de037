// Package ui holds the glyphs used to draw task trees and banners.
package ui

import (
	"strings"
	"unicode/utf8"
)

const (
	TreeBranch     = "├── "
	TreeLastBranch = "└── "
	TreeContinue   = "│   "
	TreeIndent     = "    "

	BoxTopLeft     = "┌"
	BoxTopRight    = "┐"
	BoxBottomLeft  = "└"
	BoxBottomRight = "┘"
	BoxVertical    = "│"
	BoxHorizontal  = "─"
	BoxTeeRight    = "├"
	BoxTeeLeft     = "┤"
)

// TreePrefix returns the prefix for a node at depth. ancestorsLast holds, for
// each ancestor below the root, whether it was the last of its siblings.
func TreePrefix(depth int, isLast bool, ancestorsLast []bool) string {
	if depth <= 0 {
		return ""
	}
	var sb strings.Builder
	for i := 0; i < depth-1; i++ {
		if i < len(ancestorsLast) && ancestorsLast[i] {
			sb.WriteString(TreeIndent)
		} else {
			sb.WriteString(TreeContinue)
		}
	}
	if isLast {
		sb.WriteString(TreeLastBranch)
	} else {
		sb.WriteString(TreeBranch)
	}
	return sb.String()
}

// Banner draws title and lines inside a box at least width runes wide
func Banner(title string, lines []string, width int) string {
	widest := utf8.RuneCountInString(title)
	for _, l := range lines {
		widest = max(widest, utf8.RuneCountInString(l))
	}
	width = max(width, widest+4)
	inner := width - 2

	var sb strings.Builder
	sb.WriteString(BoxTopLeft + strings.Repeat(BoxHorizontal, inner) + BoxTopRight + "\n")
	sb.WriteString(boxLine(title, inner))
	if len(lines) > 0 {
		sb.WriteString(BoxTeeRight + strings.Repeat(BoxHorizontal, inner) + BoxTeeLeft + "\n")
		for _, l := range lines {
			sb.WriteString(boxLine(l, inner))
		}
	}
	sb.WriteString(BoxBottomLeft + strings.Repeat(BoxHorizontal, inner) + BoxBottomRight + "\n")
	return sb.String()
}

func boxLine(content string, inner int) string {
	pad := inner - 1 - utf8.RuneCountInString(content)
	if pad < 0 {
		pad = 0
	}
	return BoxVertical + " " + content + strings.Repeat(" ", pad) + BoxVertical + "\n"
}
