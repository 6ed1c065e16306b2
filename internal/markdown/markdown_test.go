package markdown

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderEmpty(t *testing.T) {
	assert.Equal(t, "", Render(""))
	assert.Equal(t, "", Render("   \n  "))
}

func TestRenderEmphasis(t *testing.T) {
	html := Render("**bold** and *italic* and ~~gone~~")
	assert.Contains(t, html, "<b>bold</b>")
	assert.Contains(t, html, "<i>italic</i>")
	assert.Contains(t, html, "<s>gone</s>")
}

func TestRenderHeadingBecomesBold(t *testing.T) {
	html := Render("# Plan\n\nbody")
	assert.Contains(t, html, "<b>Plan</b>")
	assert.NotContains(t, html, "<h1>")
}

func TestRenderCodeBlockWithLanguage(t *testing.T) {
	html := Render("```go\nfmt.Println(\"a < b\")\n```")
	assert.Contains(t, html, `<pre><code class="language-go">`)
	assert.Contains(t, html, "a &lt; b")
	assert.NotContains(t, html, `a < b`)
}

func TestRenderInlineCodeEscaped(t *testing.T) {
	html := Render("run `a && b`")
	assert.Contains(t, html, "<code>a &amp;&amp; b</code>")
}

func TestRenderLink(t *testing.T) {
	html := Render("[docs](https://example.com/x?a=1&b=2)")
	assert.Contains(t, html, `<a href="https://example.com/x?a=1&amp;b=2">docs</a>`)
}

func TestRenderListsFlattened(t *testing.T) {
	html := Render("- first\n- second\n\n1. one\n2. two")
	assert.Contains(t, html, "• first")
	assert.Contains(t, html, "• second")
	assert.Contains(t, html, "1. one")
	assert.Contains(t, html, "2. two")
	assert.NotContains(t, html, "<ul>")
	assert.NotContains(t, html, "<li>")
}

func TestRenderTableBecomesPre(t *testing.T) {
	html := Render("| A | B |\n|---|---|\n| 1 | 2 |")
	assert.Contains(t, html, "<pre>")
	assert.Contains(t, html, "A")
	assert.NotContains(t, html, "<table>")
}

func TestRenderStripsRawHTML(t *testing.T) {
	html := Render("hello <script>alert(1)</script> there")
	assert.NotContains(t, html, "<script>")
	assert.Contains(t, html, "&lt;script&gt;")
}

func TestRenderBlockquote(t *testing.T) {
	html := Render("> quoted text")
	assert.Contains(t, html, "<blockquote>quoted text</blockquote>")
}

func TestRenderOnlyTelegramTags(t *testing.T) {
	html := Render("# H\n\npara **b** *i*\n\n- item\n\n> q\n\n```\ncode\n```\n\n| t |\n|---|\n| r |")
	for _, forbidden := range []string{"<p>", "<h1>", "<h2>", "<ul>", "<ol>", "<li>", "<table>", "<div>", "<br"} {
		assert.NotContains(t, html, forbidden, "tag %s is not allowed by Telegram", forbidden)
	}
}

func TestEscape(t *testing.T) {
	assert.Equal(t, "a &amp; b &lt;c&gt;", Escape("a & b <c>"))
}

func TestRenderNestedList(t *testing.T) {
	html := Render("- outer\n  - inner")
	assert.Contains(t, html, "• outer")
	assert.Contains(t, html, "  • inner")
}

func TestRenderPlainParagraphs(t *testing.T) {
	html := Render("first paragraph\n\nsecond paragraph")
	parts := strings.Split(html, "\n\n")
	assert.Len(t, parts, 2)
	assert.Equal(t, "first paragraph", parts[0])
	assert.Equal(t, "second paragraph", parts[1])
}

func TestRenderAutoLink(t *testing.T) {
	html := Render("see https://example.com for details")
	assert.Contains(t, html, `<a href="https://example.com">https://example.com</a>`)
}
