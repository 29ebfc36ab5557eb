package render

import (
	"bytes"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

// KindInlineMath is the node kind of an inline math span.
var KindInlineMath = ast.NewNodeKind("InlineMath")

// InlineMathNode is a `$...$` span, or a `$$...$$` span when Display is set. Its single child holds
// the raw TeX source.
type InlineMathNode struct {
	ast.BaseInline
	Display bool
}

// Kind implements ast.Node.
func (n *InlineMathNode) Kind() ast.NodeKind {
	return KindInlineMath
}

// Dump implements ast.Node.
func (n *InlineMathNode) Dump(source []byte, level int) {
	ast.DumpHelper(n, source, level, nil, nil)
}

type inlineMathParser struct{}

func (p *inlineMathParser) Trigger() []byte {
	return []byte{'$'}
}

// Parse accepts `$x$` where the content neither starts nor ends with a space, so prices like $5 and
// $10 stay plain text, and `$$x$$` display math.
func (p *inlineMathParser) Parse(_ ast.Node, block text.Reader, _ parser.Context) ast.Node {
	line, seg := block.PeekLine()
	if len(line) >= 2 && line[1] == '$' {
		return parseDisplayMath(block, line, seg)
	}
	if len(line) < 3 || line[1] == ' ' {
		return nil
	}
	end := bytes.IndexByte(line[1:], '$')
	if end < 1 {
		return nil
	}
	end++
	if line[end-1] == ' ' {
		return nil
	}

	node := &InlineMathNode{}
	node.AppendChild(node, ast.NewTextSegment(text.NewSegment(seg.Start+1, seg.Start+end)))
	block.Advance(end + 1)
	return node
}

func parseDisplayMath(block text.Reader, line []byte, seg text.Segment) ast.Node {
	end := bytes.Index(line[2:], []byte("$$"))
	if end < 1 {
		return nil
	}
	end += 2
	content := bytes.TrimSpace(line[2:end])
	if len(content) == 0 {
		return nil
	}

	node := &InlineMathNode{Display: true}
	node.AppendChild(node, ast.NewTextSegment(text.NewSegment(seg.Start+2, seg.Start+end)))
	block.Advance(end + 2)
	return node
}

type inlineMathRenderer struct{}

func (r *inlineMathRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(KindInlineMath, r.renderInlineMath)
}

func (r *inlineMathRenderer) renderInlineMath(w util.BufWriter, source []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		_, _ = w.WriteString("</span>")
		return ast.WalkContinue, nil
	}
	if n.(*InlineMathNode).Display {
		_, _ = w.WriteString(`<span class="math display">`)
	} else {
		_, _ = w.WriteString(`<span class="math">`)
	}
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			_, _ = w.Write(util.EscapeHTML(t.Segment.Value(source)))
		}
	}
	return ast.WalkSkipChildren, nil
}

type inlineMath struct{}

// InlineMath is a goldmark extension that renders `$...$` as <span class="math"> and `$$...$$` as
// <span class="math display">. The page typesets these spans with KaTeX.
var InlineMath goldmark.Extender = &inlineMath{}

func (e *inlineMath) Extend(m goldmark.Markdown) {
	m.Parser().AddOptions(parser.WithInlineParsers(
		util.Prioritized(&inlineMathParser{}, 150),
	))
	m.Renderer().AddOptions(renderer.WithNodeRenderers(
		util.Prioritized(&inlineMathRenderer{}, 150),
	))
}
