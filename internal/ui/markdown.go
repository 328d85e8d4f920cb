package ui

import (
	"fmt"
	"os"

	"github.com/charmbracelet/glamour"
)

// RenderMarkdown prints md to stdout, styled when a renderer is available.
func RenderMarkdown(md string) {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		// Fallback: print raw
		fmt.Fprintln(os.Stdout, md)
		return
	}

	out, err := renderer.Render(md)
	if err != nil {
		fmt.Fprintln(os.Stdout, md)
		return
	}

	fmt.Fprint(os.Stdout, out)
}
