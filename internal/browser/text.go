package browser

import (
	"strings"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const maxPreviewRunes = 500

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	),
)

// contextPolicy keeps the structure, form controls and the attributes
// selectors are built from. Scripts, styles and event handlers are dropped.
var contextPolicy = func() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"html", "body", "main", "header", "footer", "nav", "section", "article", "aside",
		"div", "span", "p", "h1", "h2", "h3", "h4", "h5", "h6", "ul", "ol", "li", "dl", "dt", "dd",
		"table", "thead", "tbody", "tfoot", "tr", "th", "td", "caption",
		"a", "img", "figure", "figcaption", "picture", "label", "b", "i", "em", "strong", "small", "code", "pre",
		"form", "fieldset", "legend", "button", "input", "select", "option", "optgroup", "textarea",
		"dialog", "details", "summary",
	)
	p.AllowNoAttrs().OnElements("form", "label", "input", "a", "img", "legend", "main", "dialog")
	p.AllowAttrs("class", "id", "role", "title", "hidden").Globally()
	p.AllowAttrs("aria-label", "aria-labelledby", "aria-expanded", "aria-hidden").Globally()
	p.AllowAttrs("data-testid", "data-test", "data-qa").Globally()
	p.AllowAttrs("type", "name", "value", "placeholder", "for", "disabled", "checked", "selected").
		OnElements("input", "button", "select", "option", "textarea", "label", "form")
	p.AllowAttrs("action", "method").OnElements("form")
	p.AllowAttrs("alt").OnElements("img")
	p.AllowStandardURLs()
	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("src").OnElements("img")
	return p
}()

// previewText renders the element as markdown, falling back to its inner
// text and then to the text nodes of its HTML. The result is collapsed to a
// single line and capped.
func previewText(outerHTML, innerText, pageURL string) string {
	text := ""
	if strings.TrimSpace(outerHTML) != "" {
		if md, err := mdConverter.ConvertString(outerHTML, converter.WithDomain(pageURL)); err == nil {
			text = md
		}
	}
	if strings.TrimSpace(text) == "" {
		text = innerText
	}
	if strings.TrimSpace(text) == "" {
		text = textContent(outerHTML)
	}
	return capRunes(collapseSpace(text), maxPreviewRunes)
}

// textContent returns the visible text of an HTML fragment.
func textContent(fragment string) string {
	nodes, err := html.ParseFragment(strings.NewReader(fragment), &html.Node{
		Type:     html.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	})
	if err != nil {
		return ""
	}
	var sb strings.Builder
	for _, n := range nodes {
		collectText(n, &sb)
	}
	return collapseSpace(sb.String())
}

func collectText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Template:
			return
		}
	}
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
		sb.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb)
	}
}

// sanitizeHTML strips executable content from the captured surrounding HTML.
func sanitizeHTML(fragment string) string {
	return strings.TrimSpace(contextPolicy.Sanitize(fragment))
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func capRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
