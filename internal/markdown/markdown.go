// Package markdown renders model output for Telegram's HTML parse mode.
// Telegram accepts only a small tag set (b, i, u, s, a, code, pre,
// blockquote, tg-spoiler); everything else — headings, lists, tables —
// is flattened into that vocabulary or plain text.
package markdown

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
)

// Render converts markdown to Telegram-safe HTML. Rendering never fails:
// on a parser panic the escaped source is returned so the user still
// sees the reply.
func Render(source string) string {
	if strings.TrimSpace(source) == "" {
		return ""
	}
	defer func() { recover() }()

	src := []byte(source)
	doc := md.Parser().Parse(text.NewReader(src))

	var r renderer
	r.src = src
	r.block(doc)
	return strings.TrimSpace(r.out.String())
}

// Escape makes arbitrary text safe to embed in Telegram HTML.
func Escape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

type renderer struct {
	src []byte
	out strings.Builder
}

// block renders the children of a container node, separating block-level
// siblings with blank lines the way Telegram clients expect.
func (r *renderer) block(node ast.Node) {
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		switch n := child.(type) {
		case *ast.Heading:
			r.out.WriteString("<b>")
			r.inline(n)
			r.out.WriteString("</b>\n\n")
		case *ast.Paragraph, *ast.TextBlock:
			r.inline(child)
			r.out.WriteString("\n\n")
		case *ast.FencedCodeBlock:
			r.codeBlock(string(n.Language(r.src)), r.lines(n))
		case *ast.CodeBlock:
			r.codeBlock("", r.lines(n))
		case *ast.Blockquote:
			r.out.WriteString("<blockquote>")
			var inner renderer
			inner.src = r.src
			inner.block(n)
			r.out.WriteString(strings.TrimSpace(inner.out.String()))
			r.out.WriteString("</blockquote>\n\n")
		case *ast.List:
			r.list(n, 0)
			r.out.WriteString("\n")
		case *ast.ThematicBreak:
			r.out.WriteString("———\n\n")
		case *east.Table:
			r.table(n)
		case *ast.HTMLBlock:
			// Raw HTML would break the strict parser; show it as text.
			r.out.WriteString(Escape(strings.TrimSpace(r.lines(n))))
			r.out.WriteString("\n\n")
		default:
			r.inline(child)
			r.out.WriteString("\n\n")
		}
	}
}

func (r *renderer) codeBlock(lang, body string) {
	body = Escape(strings.TrimRight(body, "\n"))
	if lang != "" {
		fmt.Fprintf(&r.out, "<pre><code class=\"language-%s\">%s</code></pre>\n\n", lang, body)
		return
	}
	fmt.Fprintf(&r.out, "<pre>%s</pre>\n\n", body)
}

// list renders (possibly nested) lists as bullet or numbered lines;
// Telegram has no list markup.
func (r *renderer) list(n *ast.List, depth int) {
	indent := strings.Repeat("  ", depth)
	ordinal := n.Start
	if ordinal == 0 {
		ordinal = 1
	}
	for item := n.FirstChild(); item != nil; item = item.NextSibling() {
		marker := "• "
		if n.IsOrdered() {
			marker = fmt.Sprintf("%d. ", ordinal)
			ordinal++
		}
		r.out.WriteString(indent + marker)

		for part := item.FirstChild(); part != nil; part = part.NextSibling() {
			switch p := part.(type) {
			case *ast.List:
				r.out.WriteString("\n")
				r.list(p, depth+1)
			default:
				r.inline(part)
				if part.NextSibling() != nil {
					if _, nested := part.NextSibling().(*ast.List); !nested {
						r.out.WriteString(" ")
					}
				}
			}
		}
		if !strings.HasSuffix(r.out.String(), "\n") {
			r.out.WriteString("\n")
		}
	}
}

// table flattens a GFM table into a <pre> block of aligned rows.
func (r *renderer) table(n *east.Table) {
	var rows [][]string
	for row := n.FirstChild(); row != nil; row = row.NextSibling() {
		var cells []string
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			var inner renderer
			inner.src = r.src
			inner.inline(cell)
			cells = append(cells, stripTags(inner.out.String()))
		}
		rows = append(rows, cells)
	}
	if len(rows) == 0 {
		return
	}

	widths := make([]int, 0)
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var b strings.Builder
	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			b.WriteString(cell)
			if i < len(row)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-len(cell)))
			}
		}
		b.WriteString("\n")
	}
	r.codeBlock("", b.String())
}

// inline renders the inline children of a node.
func (r *renderer) inline(node ast.Node) {
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		switch n := child.(type) {
		case *ast.Text:
			r.out.WriteString(Escape(string(n.Segment.Value(r.src))))
			if n.HardLineBreak() || n.SoftLineBreak() {
				r.out.WriteString("\n")
			}
		case *ast.String:
			r.out.WriteString(Escape(string(n.Value)))
		case *ast.CodeSpan:
			r.out.WriteString("<code>")
			for t := n.FirstChild(); t != nil; t = t.NextSibling() {
				if txt, ok := t.(*ast.Text); ok {
					r.out.WriteString(Escape(string(txt.Segment.Value(r.src))))
				}
			}
			r.out.WriteString("</code>")
		case *ast.Emphasis:
			tag := "i"
			if n.Level == 2 {
				tag = "b"
			}
			r.out.WriteString("<" + tag + ">")
			r.inline(n)
			r.out.WriteString("</" + tag + ">")
		case *east.Strikethrough:
			r.out.WriteString("<s>")
			r.inline(n)
			r.out.WriteString("</s>")
		case *ast.Link:
			fmt.Fprintf(&r.out, `<a href="%s">`, Escape(string(n.Destination)))
			r.inline(n)
			r.out.WriteString("</a>")
		case *ast.AutoLink:
			url := string(n.URL(r.src))
			fmt.Fprintf(&r.out, `<a href="%s">%s</a>`, Escape(url), Escape(url))
		case *ast.Image:
			// Telegram cannot inline images from HTML; link instead.
			fmt.Fprintf(&r.out, `<a href="%s">`, Escape(string(n.Destination)))
			r.inline(n)
			r.out.WriteString("</a>")
		case *ast.RawHTML:
			var raw strings.Builder
			for i := 0; i < n.Segments.Len(); i++ {
				raw.Write(n.Segments.At(i).Value(r.src))
			}
			r.out.WriteString(Escape(raw.String()))
		default:
			r.inline(child)
		}
	}
}

// lines concatenates a block node's raw source lines.
func (r *renderer) lines(n ast.Node) string {
	var b strings.Builder
	segs := n.Lines()
	for i := 0; i < segs.Len(); i++ {
		b.Write(segs.At(i).Value(r.src))
	}
	return b.String()
}

// stripTags removes the markup this package itself produced, for
// contexts (table cells, captions) where nesting is not allowed.
func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	out := b.String()
	out = strings.ReplaceAll(out, "&amp;", "&")
	out = strings.ReplaceAll(out, "&lt;", "<")
	out = strings.ReplaceAll(out, "&gt;", ">")
	return out
}
