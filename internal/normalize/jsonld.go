package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// hints are strong signals lifted from structured data or well-known page
// elements. They are emitted ahead of the body text.
type hints struct {
	title          string
	company        string
	location       string
	employmentType string
	salary         string
	datePosted     string
	validThrough   string
	identifier     string
	description    string
}

func (h hints) render() string {
	var b strings.Builder
	write := func(label, value string) {
		value = strings.Join(strings.Fields(value), " ")
		if value == "" {
			return
		}
		fmt.Fprintf(&b, "%s: %s\n", label, value)
	}
	write("Title", h.title)
	write("Company", h.company)
	write("Location", h.location)
	write("Employment type", h.employmentType)
	write("Salary", h.salary)
	write("Date posted", h.datePosted)
	write("Apply before", h.validThrough)
	write("Job ID", h.identifier)
	if b.Len() == 0 {
		return ""
	}
	return b.String() + "\n"
}

var (
	titleSelectors    = []string{"h1[class*=title]", "[class*=job-title]", "[class*=jobtitle]", "h1"}
	companySelectors  = []string{"[data-automation=jobCompany]", "[class*=company-name]", "[class*=employer]", "[class*=company]"}
	locationSelectors = []string{"[data-automation=jobLocation]", "[class*=job-location]", "[class*=location]"}
)

func (h *hints) fillFromSelectors(doc *goquery.Document) {
	if h.title == "" {
		h.title = firstText(doc, titleSelectors)
	}
	if h.title == "" {
		h.title = strings.TrimSpace(doc.Find("meta[property='og:title']").AttrOr("content", ""))
	}
	if h.title == "" {
		h.title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	if h.company == "" {
		h.company = firstText(doc, companySelectors)
	}
	if h.company == "" {
		h.company = strings.TrimSpace(doc.Find("meta[property='og:site_name']").AttrOr("content", ""))
	}
	if h.location == "" {
		h.location = firstText(doc, locationSelectors)
	}
}

func firstText(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		text := strings.Join(strings.Fields(doc.Find(sel).First().Text()), " ")
		if text != "" && len(text) <= 200 {
			return text
		}
	}
	return ""
}

// jsonLDHints reads the first schema.org JobPosting found in ld+json blocks.
func jsonLDHints(doc *goquery.Document) hints {
	var found hints
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var payload any
		if err := json.Unmarshal([]byte(s.Text()), &payload); err != nil {
			return true
		}
		posting := findJobPosting(payload)
		if posting == nil {
			return true
		}
		found = hintsFromPosting(posting)
		return false
	})
	return found
}

func findJobPosting(v any) map[string]any {
	switch node := v.(type) {
	case []any:
		for _, item := range node {
			if p := findJobPosting(item); p != nil {
				return p
			}
		}
	case map[string]any:
		if isType(node["@type"], "JobPosting") {
			return node
		}
		if graph, ok := node["@graph"]; ok {
			return findJobPosting(graph)
		}
	}
	return nil
}

func isType(v any, want string) bool {
	switch t := v.(type) {
	case string:
		return strings.EqualFold(t, want)
	case []any:
		for _, item := range t {
			if isType(item, want) {
				return true
			}
		}
	}
	return false
}

func hintsFromPosting(p map[string]any) hints {
	h := hints{
		title:          str(p["title"]),
		company:        str(dig(p, "hiringOrganization", "name")),
		employmentType: joinAny(p["employmentType"]),
		datePosted:     str(p["datePosted"]),
		validThrough:   str(p["validThrough"]),
		identifier:     str(dig(p, "identifier", "value")),
		salary:         salaryHint(p["baseSalary"]),
	}
	if h.company == "" {
		h.company = str(p["hiringOrganization"])
	}
	if h.identifier == "" {
		h.identifier = str(p["identifier"])
	}
	h.location = locationHint(p["jobLocation"])
	if h.location == "" && strings.EqualFold(str(p["jobLocationType"]), "TELECOMMUTE") {
		h.location = "Remote"
	}
	if desc := str(p["description"]); desc != "" {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(desc)); err == nil {
			h.description = blockText(doc.Selection)
		}
	}
	return h
}

func locationHint(v any) string {
	var parts []string
	switch loc := v.(type) {
	case []any:
		for _, item := range loc {
			if s := locationHint(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	case map[string]any:
		addr, ok := loc["address"].(map[string]any)
		if !ok {
			return str(loc["address"])
		}
		for _, key := range []string{"addressLocality", "addressRegion", "addressCountry"} {
			value := str(addr[key])
			if value == "" {
				value = str(dig(addr, key, "name"))
			}
			if value != "" {
				parts = append(parts, value)
			}
		}
		return strings.Join(parts, ", ")
	}
	return str(v)
}

func salaryHint(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return str(v)
	}
	currency := str(m["currency"])
	value, _ := m["value"].(map[string]any)
	if value == nil {
		return strings.TrimSpace(currency + " " + str(m["value"]))
	}
	if currency == "" {
		currency = str(value["currency"])
	}
	unit := strings.ToLower(str(value["unitText"]))
	minV, maxV, single := str(value["minValue"]), str(value["maxValue"]), str(value["value"])
	var amount string
	switch {
	case minV != "" && maxV != "":
		amount = minV + " - " + maxV
	case single != "":
		amount = single
	default:
		amount = minV + maxV
	}
	if amount == "" {
		return ""
	}
	out := strings.TrimSpace(currency + " " + amount)
	if unit != "" {
		out += " per " + unit
	}
	return out
}

func dig(m map[string]any, keys ...string) any {
	var cur any = m
	for _, k := range keys {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = node[k]
	}
	return cur
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	}
	return ""
}

func joinAny(v any) string {
	switch t := v.(type) {
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := str(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	}
	return str(v)
}
