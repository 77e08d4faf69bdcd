package normalize

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var blockTags = map[string]struct{}{
	"address": {}, "article": {}, "blockquote": {}, "br": {}, "dd": {}, "div": {}, "dl": {},
	"dt": {}, "h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {}, "hr": {}, "li": {},
	"main": {}, "ol": {}, "p": {}, "pre": {}, "section": {}, "table": {}, "td": {}, "th": {},
	"tr": {}, "ul": {},
}

var inlineTags = map[string]struct{}{
	"a": {}, "abbr": {}, "b": {}, "br": {}, "code": {}, "em": {}, "i": {}, "li": {}, "ol": {},
	"p": {}, "small": {}, "span": {}, "strong": {}, "u": {}, "ul": {},
	"h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {},
}

// blockText renders a selection as text with one line per block element and
// collapsed whitespace inside lines.
func blockText(sel *goquery.Selection) string {
	var b strings.Builder
	for _, node := range sel.Nodes {
		writeNode(&b, node)
	}
	return collapse(b.String())
}

func writeNode(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode, html.DocumentNode:
	default:
		return
	}
	_, block := blockTags[n.Data]
	if block {
		b.WriteByte('\n')
	}
	if n.Data == "li" {
		b.WriteString("- ")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeNode(b, c)
	}
	if block {
		b.WriteByte('\n')
	}
}

// collapse trims every line, squeezes inner whitespace and drops blank lines.
func collapse(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" || line == "-" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// largestBlock returns the container holding the most text in its own
// paragraphs, so wrappers whose text sits in nested containers do not win.
func largestBlock(doc *goquery.Document) *goquery.Selection {
	best := doc.Find("body")
	bestScore := 0
	doc.Find("main, article, section, div, td").Each(func(_ int, s *goquery.Selection) {
		score := ownTextLen(s)
		if score > bestScore {
			best, bestScore = s, score
		}
	})
	if best.Length() == 0 {
		return doc.Selection
	}
	return best
}

func ownTextLen(s *goquery.Selection) int {
	total := 0
	for _, node := range s.Nodes {
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			switch c.Type {
			case html.TextNode:
				total += len(strings.TrimSpace(c.Data))
			case html.ElementNode:
				if _, ok := inlineTags[c.Data]; ok {
					total += len(strings.TrimSpace(goquery.NewDocumentFromNode(c).Text()))
				}
			}
		}
	}
	return total
}
