package tools

import (
	"bytes"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// discardElements are subtrees with no visible text worth keeping.
var discardElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Svg:      true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Object:   true,
	atom.Embed:    true,
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.Header: true, atom.Footer: true, atom.Main: true, atom.Aside: true,
	atom.Ul: true, atom.Ol: true, atom.Li: true, atom.Table: true,
	atom.Tr: true, atom.Blockquote: true, atom.Pre: true, atom.Nav: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true,
	atom.H5: true, atom.H6: true,
}

var headingDepth = map[atom.Atom]int{
	atom.H1: 1, atom.H2: 2, atom.H3: 3, atom.H4: 4, atom.H5: 5, atom.H6: 6,
}

var (
	spaceRunRe   = regexp.MustCompile(`[ \t]+`)
	newlineRunRe = regexp.MustCompile(`\n{3,}`)
)

// VisibleText parses HTML and returns roughly what a reader would see:
// scripts, styles, and hidden subtrees dropped, headings prefixed, lists
// bulleted. Non-HTML content passes through unchanged.
func VisibleText(raw []byte, contentType string) string {
	if !strings.Contains(strings.ToLower(contentType), "html") {
		return string(raw)
	}
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return string(raw)
	}

	var buf strings.Builder
	buf.Grow(len(raw) / 3)
	walkVisible(doc, &buf)

	lines := strings.Split(buf.String(), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(spaceRunRe.ReplaceAllString(line, " "), unicode.IsSpace)
	}
	text := newlineRunRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(text)
}

func walkVisible(n *html.Node, buf *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		buf.WriteString(n.Data)
		return
	case html.ElementNode:
		if discardElements[n.DataAtom] || nodeHidden(n) {
			return
		}
		block := blockElements[n.DataAtom]
		if block {
			buf.WriteString("\n")
		}
		if depth := headingDepth[n.DataAtom]; depth > 0 {
			buf.WriteString(strings.Repeat("#", depth) + " ")
		}
		if n.DataAtom == atom.Li {
			buf.WriteString("- ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walkVisible(c, buf)
		}
		if n.DataAtom == atom.Br || n.DataAtom == atom.Hr || block {
			buf.WriteString("\n")
		}
	default:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walkVisible(c, buf)
		}
	}
}

func nodeHidden(n *html.Node) bool {
	for _, a := range n.Attr {
		switch a.Key {
		case "hidden":
			return true
		case "aria-hidden":
			if a.Val == "true" {
				return true
			}
		case "style":
			style := strings.ToLower(a.Val)
			if strings.Contains(style, "display:none") || strings.Contains(style, "display: none") ||
				strings.Contains(style, "visibility:hidden") || strings.Contains(style, "visibility: hidden") {
				return true
			}
		}
	}
	return false
}
