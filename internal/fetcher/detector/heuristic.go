// Package detector decides whether an HTTP fetch is good enough or the page
// must be rendered in a browser.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Reason names why a page was sent to the renderer.
type Reason string

// Decision reasons.
const (
	ReasonNone           Reason = ""
	ReasonTransportError Reason = "transport_error"
	ReasonNonSuccess     Reason = "non_success_status"
	ReasonBelowThreshold Reason = "below_threshold"
	ReasonChallenge      Reason = "bot_challenge"
	ReasonJSShell        Reason = "js_shell"
)

// Decision is the outcome of evaluating one HTTP response.
type Decision struct {
	Render  bool
	Blocked bool
	Reason  Reason
}

// DefaultMinContentBytes is the body size below which a page counts as near-empty.
const DefaultMinContentBytes = 2048

const minVisibleText = 200

// maxChallengeText is the most visible text an interstitial challenge page
// carries. It is measured in characters, unlike the raw-body threshold.
const maxChallengeText = 1000

var challengeMarkers = [][]byte{
	[]byte("cf-challenge"),
	[]byte("cf-browser-verification"),
	[]byte("challenge-platform"),
	[]byte("just a moment..."),
	[]byte("attention required! | cloudflare"),
	[]byte("checking your browser before accessing"),
	[]byte("please verify you are a human"),
	[]byte("enable javascript and cookies to continue"),
	[]byte("px-captcha"),
	[]byte("_incapsula_resource"),
	[]byte("captcha-delivery.com"),
	[]byte("request unsuccessful. incapsula"),
}

// widgetMarkers also show up on real postings (apply forms, error copy), so on
// a success status they only count for pages with almost no text.
var widgetMarkers = [][]byte{
	[]byte("g-recaptcha"),
	[]byte("h-captcha"),
	[]byte("access denied"),
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
	[]byte("you need to enable javascript"),
}

var blockStatuses = map[int]struct{}{
	http.StatusUnauthorized:       {},
	http.StatusForbidden:          {},
	http.StatusTooManyRequests:    {},
	http.StatusServiceUnavailable: {},
}

// Heuristic implements rule-based render promotion and block detection.
type Heuristic struct {
	minContentBytes int
	markers         [][]byte
}

// NewHeuristic creates a detector. extraMarkers are matched case-insensitively
// as additional challenge-page signals.
func NewHeuristic(minContentBytes int, extraMarkers []string) *Heuristic {
	if minContentBytes <= 0 {
		minContentBytes = DefaultMinContentBytes
	}
	markers := append([][]byte(nil), challengeMarkers...)
	for _, m := range extraMarkers {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		markers = append(markers, bytes.ToLower([]byte(m)))
	}
	return &Heuristic{minContentBytes: minContentBytes, markers: markers}
}

// MinContentBytes returns the configured near-empty threshold.
func (h *Heuristic) MinContentBytes() int {
	return h.minContentBytes
}

// Decide evaluates an HTTP attempt. It never performs I/O.
func (h *Heuristic) Decide(statusCode int, body []byte, fetchErr error) Decision {
	if fetchErr != nil {
		return Decision{Render: true, Reason: ReasonTransportError}
	}
	if h.Blocked(statusCode, body) {
		return Decision{Render: true, Blocked: true, Reason: ReasonChallenge}
	}
	if statusCode < 200 || statusCode > 299 {
		return Decision{Render: true, Reason: ReasonNonSuccess}
	}
	if len(body) < h.minContentBytes {
		return Decision{Render: true, Reason: ReasonBelowThreshold}
	}
	if looksLikeShell(body) {
		return Decision{Render: true, Reason: ReasonJSShell}
	}
	return Decision{}
}

// Blocked reports whether the response looks like a bot challenge or block page.
func (h *Heuristic) Blocked(statusCode int, body []byte) bool {
	lower := bytes.ToLower(body)
	challenge := containsAny(lower, h.markers)
	widget := !challenge && containsAny(lower, widgetMarkers)
	if !challenge && !widget {
		return false
	}
	if _, ok := blockStatuses[statusCode]; ok {
		return true
	}
	text := visibleTextLen(body)
	if challenge {
		return text < maxChallengeText
	}
	return text < minVisibleText
}

func containsAny(body []byte, markers [][]byte) bool {
	for _, m := range markers {
		if bytes.Contains(body, m) {
			return true
		}
	}
	return false
}

func looksLikeShell(body []byte) bool {
	spa := false
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			spa = true
			break
		}
	}
	if !spa && !scriptDensityHigh(body) {
		return false
	}
	return visibleTextLen(body) < minVisibleText
}

func visibleTextLen(body []byte) int {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return len(body)
	}
	doc.Find("script, style, noscript, template").Remove()
	return len(strings.Join(strings.Fields(doc.Find("body").Text()), " "))
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}
