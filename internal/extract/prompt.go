package extract

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/jobtrack/internal/pipeline"
)

const extractionTemplate = `You extract structured data from job postings.

Return ONLY one JSON object, no markdown fences and no commentary, with these keys:
%s
Rules:
- Use the string "unknown" for any required value the posting does not state. Do not guess.
- Omit optional keys that are not stated.
- "skills" must be a JSON array of short strings.
- Lines at the top such as "Title:" or "Company:" come from structured page data and are reliable.
%s
POSTING:
%s
`

const repairTemplate = `The JSON below was supposed to describe a job posting but it is invalid: %s.

Return ONLY a corrected JSON object with these keys, no markdown fences and no commentary:
%s
Use the string "unknown" for required values you cannot determine from the posting.

PREVIOUS OUTPUT:
%s

POSTING:
%s
`

func extractionPrompt(doc pipeline.NormalizedDocument) string {
	var extra string
	if doc.Truncated {
		extra += "- The posting text was cut short; extract what is present.\n"
	}
	if doc.Language != "" && doc.Language != "en" {
		extra += fmt.Sprintf("- The posting is written in %q; keep names as written but write description_summary in English.\n", doc.Language)
	}
	return fmt.Sprintf(extractionTemplate, describeSchema(), extra, doc.CleanText)
}

func repairPrompt(doc pipeline.NormalizedDocument, previous string, problem string) string {
	previous = strings.TrimSpace(previous)
	if previous == "" {
		previous = "(empty response)"
	}
	return fmt.Sprintf(repairTemplate, problem, describeSchema(), previous, doc.CleanText)
}
