package extract

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/jobtrack/internal/pipeline"
)

// candidate is the loosely typed object the model returned.
type candidate map[string]any

// parseCandidate pulls the first JSON object out of a model response. Markdown
// fences and prose around the object are tolerated.
func parseCandidate(raw string) (candidate, error) {
	text := stripFences(strings.TrimSpace(raw))
	if text == "" {
		return nil, fmt.Errorf("%w: empty response", pipeline.ErrExtractionMalformed)
	}

	var direct any
	if err := json.Unmarshal([]byte(text), &direct); err == nil {
		if obj := firstObject(direct); obj != nil {
			return obj, nil
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in response", pipeline.ErrExtractionMalformed)
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrExtractionMalformed, err)
	}
	return obj, nil
}

func firstObject(v any) candidate {
	switch t := v.(type) {
	case map[string]any:
		return t
	case []any:
		for _, item := range t {
			if obj, ok := item.(map[string]any); ok {
				return obj
			}
		}
	}
	return nil
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

// problems lists required fields that are absent or not well typed.
func (c candidate) problems() (missing, illTyped []string) {
	for _, f := range Schema {
		if !f.Required {
			continue
		}
		v, ok := c[f.Name]
		if !ok || v == nil {
			missing = append(missing, f.Name)
			continue
		}
		switch f.Type {
		case TypeList:
			list, isList := v.([]any)
			if !isList {
				if pipeline.IsUnknown(asString(v)) {
					missing = append(missing, f.Name)
				} else {
					illTyped = append(illTyped, f.Name)
				}
				continue
			}
			if len(pipeline.SkillSet(asStrings(list))) == 0 {
				missing = append(missing, f.Name)
			}
		default:
			if _, isString := v.(string); !isString {
				illTyped = append(illTyped, f.Name)
				continue
			}
			if pipeline.IsUnknown(asString(v)) {
				missing = append(missing, f.Name)
			}
		}
	}
	return missing, illTyped
}

// merge fills keys the repaired candidate lacks from the original.
func (c candidate) merge(fallback candidate) candidate {
	for k, v := range fallback {
		cur, ok := c[k]
		if !ok || cur == nil || (isScalar(cur) && pipeline.IsUnknown(asString(cur))) {
			c[k] = v
		}
	}
	return c
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, float64, bool:
		return true
	}
	return false
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

// asStrings accepts a JSON array or a comma/semicolon separated string.
func asStrings(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := asString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		parts := strings.FieldsFunc(t, func(r rune) bool { return r == ',' || r == ';' || r == '\n' })
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(p), "-")); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}
