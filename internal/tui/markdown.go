package tui

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

// MarkdownRenderer wraps glamour with a per-width renderer cache. Terminal
// resizes invalidate the renderer, not the content.
type MarkdownRenderer struct {
	renderer *glamour.TermRenderer
	width    int
}

func NewMarkdownRenderer() *MarkdownRenderer {
	return &MarkdownRenderer{}
}

func (r *MarkdownRenderer) Render(content string, width int) string {
	if width < 20 {
		width = 20
	}
	if r.renderer == nil || r.width != width {
		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			return content
		}
		r.renderer = renderer
		r.width = width
	}

	out, err := r.renderer.Render(content)
	if err != nil {
		return content
	}
	// Glamour pads with blank lines top and bottom; the chat pane supplies
	// its own spacing between messages.
	return strings.Trim(out, "\n")
}
