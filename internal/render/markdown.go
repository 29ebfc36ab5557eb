// Package render converts message text into HTML for the chat view.
package render

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
)

// Markdown renders markdown with GitHub flavored extensions, highlighted fenced code blocks and
// inline math spans. Raw HTML in the source is dropped. A Markdown is safe for concurrent use.
type Markdown struct {
	md goldmark.Markdown
}

// DefaultStyle is the chroma style used for code blocks when none is configured.
const DefaultStyle = "monokai"

// NewMarkdown creates a renderer that highlights code with the named chroma style.
func NewMarkdown(style string) Markdown {
	if style == "" {
		style = DefaultStyle
	}
	return Markdown{
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(highlighting.WithStyle(style)),
				InlineMath,
			),
			goldmark.WithParserOptions(parser.WithAutoHeadingID()),
		),
	}
}

// Render returns text as an HTML fragment.
func (m Markdown) Render(text string) (string, error) {
	var buf bytes.Buffer
	if err := m.md.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return buf.String(), nil
}
