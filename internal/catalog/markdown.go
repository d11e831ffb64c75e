package catalog

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// PlainText flattens markdown into speakable text: one line per block,
// inline markup dropped, code blocks and raw HTML skipped.
func PlainText(src []byte) string {
	root := markdown.Parser().Parse(text.NewReader(src))

	var (
		out  strings.Builder
		line strings.Builder
	)
	flush := func() {
		s := strings.Join(strings.Fields(line.String()), " ")
		line.Reset()
		if s == "" {
			return
		}
		if out.Len() > 0 {
			out.WriteByte('\n')
		}
		out.WriteString(s)
	}

	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			if entering {
				line.Write(node.Segment.Value(src))
				if node.SoftLineBreak() || node.HardLineBreak() {
					line.WriteByte(' ')
				}
			}
		case *ast.String:
			if entering {
				line.Write(node.Value)
			}
		case *ast.CodeSpan:
			if entering {
				for c := node.FirstChild(); c != nil; c = c.NextSibling() {
					if t, ok := c.(*ast.Text); ok {
						line.Write(t.Segment.Value(src))
					}
				}
				return ast.WalkSkipChildren, nil
			}
		}

		if !entering && n.Type() == ast.TypeBlock {
			flush()
		}
		return ast.WalkContinue, nil
	})
	flush()

	return out.String()
}
