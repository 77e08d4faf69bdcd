package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/JakeFAU/jobtrack/internal/pipeline"
)

var currencySymbols = []struct {
	token string
	code  string
}{
	{"CA$", "CAD"}, {"C$", "CAD"}, {"A$", "AUD"}, {"AU$", "AUD"}, {"US$", "USD"},
	{"$", "USD"}, {"€", "EUR"}, {"£", "GBP"}, {"¥", "JPY"}, {"₹", "INR"}, {"zł", "PLN"},
}

var (
	currencyCode = regexp.MustCompile(`(?i)\b(USD|EUR|GBP|CAD|AUD|CHF|INR|JPY|SEK|NOK|DKK|PLN|NZD|SGD)\b`)
	amount       = regexp.MustCompile(`(?i)(\d{1,3}(?:[,.\x{00a0}' ]\d{3})+|\d+(?:\.\d+)?)\s*([km])?\b`)
	periods      = []struct {
		re     *regexp.Regexp
		period string
	}{
		{regexp.MustCompile(`(?i)(per|an|/|a)\s*(hour|hr)\b|\bhourly\b`), "hour"},
		{regexp.MustCompile(`(?i)(per|a|/)\s*(day)\b|\bdaily\b`), "day"},
		{regexp.MustCompile(`(?i)(per|a|/)\s*(week|wk)\b|\bweekly\b`), "week"},
		{regexp.MustCompile(`(?i)(per|a|/)\s*(month|mo)\b|\bmonthly\b`), "month"},
		{regexp.MustCompile(`(?i)(per|a|/)\s*(year|yr|annum)\b|\b(annual|annually|yearly|p\.?a\.?)(\s|$|\b)`), "year"},
	}
)

// ParseSalary normalizes free-text compensation such as "$120k - $150k per
// year" or "EUR 55.000-65.000". It reports false when no currency and amount
// can be identified.
func ParseSalary(text string) (*pipeline.SalaryRange, bool) {
	text = strings.TrimSpace(text)
	if pipeline.IsUnknown(text) {
		return nil, false
	}
	currency := detectCurrency(text)
	if currency == "" {
		return nil, false
	}

	matches := amount.FindAllStringSubmatch(text, -1)
	values := make([]float64, 0, 2)
	suffixes := make([]string, 0, 2)
	for _, m := range matches {
		v, ok := parseAmount(m[1])
		if !ok {
			continue
		}
		values = append(values, v)
		suffixes = append(suffixes, strings.ToLower(m[2]))
		if len(values) == 2 {
			break
		}
	}
	if len(values) == 0 {
		return nil, false
	}
	// "100-150k" carries the multiplier only on the upper bound.
	if len(values) == 2 && suffixes[0] == "" && suffixes[1] != "" && values[0] < 1000 {
		suffixes[0] = suffixes[1]
	}
	for i := range values {
		values[i] *= multiplier(suffixes[i])
	}

	out := &pipeline.SalaryRange{Min: values[0], Max: values[0], Currency: currency, Period: detectPeriod(text)}
	if len(values) == 2 {
		out.Max = values[1]
	}
	if out.Min > out.Max {
		out.Min, out.Max = out.Max, out.Min
	}
	if out.Max <= 0 {
		return nil, false
	}
	return out, true
}

func detectCurrency(text string) string {
	if m := currencyCode.FindStringSubmatch(text); m != nil {
		return strings.ToUpper(m[1])
	}
	for _, s := range currencySymbols {
		if strings.Contains(text, s.token) {
			return s.code
		}
	}
	return ""
}

func detectPeriod(text string) string {
	for _, p := range periods {
		if p.re.MatchString(text) {
			return p.period
		}
	}
	return ""
}

func parseAmount(s string) (float64, bool) {
	// Grouped digits: any separator between groups of three is a thousands mark.
	if groupedDigits(s) {
		s = strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, s)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func groupedDigits(s string) bool {
	groups := strings.FieldsFunc(s, func(r rune) bool { return r < '0' || r > '9' })
	if len(groups) < 2 || len(groups[0]) > 3 {
		return false
	}
	for _, g := range groups[1:] {
		if len(g) != 3 {
			return false
		}
	}
	return true
}

func multiplier(suffix string) float64 {
	switch suffix {
	case "k":
		return 1_000
	case "m":
		return 1_000_000
	}
	return 1
}

// salaryFromCandidate interprets the model's salary value, which may be free
// text or an object.
func salaryFromCandidate(v any) (*pipeline.SalaryRange, string) {
	switch t := v.(type) {
	case nil:
		return nil, ""
	case string:
		text := strings.TrimSpace(t)
		if pipeline.IsUnknown(text) {
			return nil, ""
		}
		rng, _ := ParseSalary(text)
		return rng, text
	case map[string]any:
		minV, minOK := t["min"].(float64)
		maxV, maxOK := t["max"].(float64)
		currency := strings.ToUpper(asString(t["currency"]))
		period := strings.ToLower(asString(t["period"]))
		text := asString(t["text"])
		if (minOK || maxOK) && currency != "" {
			if !minOK {
				minV = maxV
			}
			if !maxOK {
				maxV = minV
			}
			if minV > maxV {
				minV, maxV = maxV, minV
			}
			return &pipeline.SalaryRange{Min: minV, Max: maxV, Currency: currency, Period: period}, text
		}
		if text != "" {
			rng, _ := ParseSalary(text)
			return rng, text
		}
		return nil, ""
	case float64:
		return nil, asString(t)
	}
	return nil, ""
}
