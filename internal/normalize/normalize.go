// Package normalize converts raw page content into the cleaned text block the
// extractor works on. Everything here is deterministic and free of I/O.
package normalize

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"

	"github.com/JakeFAU/jobtrack/internal/pipeline"
)

// Defaults for Config.
const (
	DefaultMinRawBytes  = 64
	DefaultMinTextChars = 200
	DefaultMaxChars     = 24000
)

// Config bounds the normalizer's input and output.
type Config struct {
	// MinRawBytes is the smallest raw payload worth parsing.
	MinRawBytes int
	// MinTextChars is the smallest cleaned text worth extracting from.
	MinTextChars int
	// MaxChars is the extractor's input budget, in runes.
	MaxChars int
}

// LanguageDetector tags text with an ISO 639-1 code, or "" when unsure.
type LanguageDetector interface {
	Detect(text string) string
}

// Normalizer implements pipeline.Normalizer.
type Normalizer struct {
	cfg  Config
	lang LanguageDetector
}

// New builds a Normalizer. lang may be nil.
func New(cfg Config, lang LanguageDetector) *Normalizer {
	if cfg.MinRawBytes <= 0 {
		cfg.MinRawBytes = DefaultMinRawBytes
	}
	if cfg.MinTextChars <= 0 {
		cfg.MinTextChars = DefaultMinTextChars
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	return &Normalizer{cfg: cfg, lang: lang}
}

var boilerplateSelectors = strings.Join([]string{
	"script", "style", "noscript", "template", "svg", "iframe", "canvas",
	"nav", "footer", "aside", "button", "select",
	"[role=navigation]", "[role=banner]", "[role=contentinfo]", "[aria-hidden=true]",
	"[id*=cookie]", "[class*=cookie]", "[id*=consent]", "[class*=consent]",
	"[class*=gdpr]", "[class*=newsletter]", "[class*=navbar]", "[class*=nav-menu]",
	"[class*=breadcrumb]", "[class*=social-share]", "[class*=skip-link]",
}, ", ")

// Normalize implements pipeline.Normalizer.
func (n *Normalizer) Normalize(result pipeline.FetchResult) pipeline.NormalizedDocument {
	doc := pipeline.NormalizedDocument{URL: result.URL}
	raw := result.Content()
	if result.RawContent == nil || len(strings.TrimSpace(raw)) < n.cfg.MinRawBytes {
		return doc
	}

	var (
		body  string
		hints hints
	)
	if looksLikeHTML(raw) {
		body, hints = n.fromHTML(result.URL, raw)
	} else {
		body = collapse(raw)
	}

	if utf8.RuneCountInString(body) < n.cfg.MinTextChars {
		if desc := collapse(hints.description); utf8.RuneCountInString(desc) > utf8.RuneCountInString(body) {
			body = desc
		}
	}
	if utf8.RuneCountInString(body) < n.cfg.MinTextChars {
		return doc
	}

	doc.Title = hints.title
	doc.JobID = jobIDFromURL(result.URL)
	if doc.JobID == "" {
		doc.JobID = hints.identifier
	}
	if doc.JobID == "" {
		doc.JobID = jobIDFromText(body)
	}

	text := hints.render() + body
	doc.CleanText, doc.Truncated = truncate(text, n.cfg.MaxChars)
	if n.lang != nil {
		doc.Language = n.lang.Detect(body)
	}
	return doc
}

func (n *Normalizer) fromHTML(rawURL, raw string) (string, hints) {
	root, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return collapse(raw), hints{}
	}

	h := jsonLDHints(root)
	h.fillFromSelectors(root)

	root.Find(boilerplateSelectors).Remove()
	// Some career sites wrap the whole page in a header or a WebForms form.
	root.Find("header, form").Each(func(_ int, s *goquery.Selection) {
		if utf8.RuneCountInString(collapse(s.Text())) < n.cfg.MinTextChars {
			s.Remove()
		}
	})
	cleaned, err := root.Html()
	if err != nil {
		return blockText(largestBlock(root)), h
	}

	if text := readable(rawURL, cleaned); utf8.RuneCountInString(text) >= n.cfg.MinTextChars {
		return text, h
	}
	return blockText(largestBlock(root)), h
}

func readable(rawURL, html string) string {
	pageURL, err := url.Parse(rawURL)
	if err != nil || pageURL.Host == "" {
		pageURL = &url.URL{Scheme: "https", Host: "localhost", Path: "/"}
	}
	parser := readability.NewParser()
	article, err := parser.Parse(strings.NewReader(html), pageURL)
	if err != nil || strings.TrimSpace(article.Content) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(article.Content))
	if err != nil {
		return ""
	}
	return blockText(doc.Selection)
}

func looksLikeHTML(raw string) bool {
	head := strings.ToLower(raw)
	if len(head) > 2048 {
		head = head[:2048]
	}
	for _, marker := range []string{"<html", "<!doctype", "<body", "<div", "<p>", "<p ", "<head"} {
		if strings.Contains(head, marker) {
			return true
		}
	}
	return false
}

// truncate cuts s to at most limit runes, dropping the tail. It prefers to cut
// at a whitespace boundary close to the limit.
func truncate(s string, limit int) (string, bool) {
	if utf8.RuneCountInString(s) <= limit {
		return s, false
	}
	runes := []rune(s)
	cut := runes[:limit]
	for i := len(cut) - 1; i >= 0 && i >= len(cut)-200; i-- {
		if cut[i] == ' ' || cut[i] == '\n' {
			cut = cut[:i]
			break
		}
	}
	return strings.TrimSpace(string(cut)), true
}
