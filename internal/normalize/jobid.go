package normalize

import (
	"regexp"
	"strings"
)

var urlJobIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)[?&](?:currentJobId|jobId|job_id|jobid|job-id|gh_jid|jk)=([A-Za-z0-9_-]+)`),
	regexp.MustCompile(`(?i)(?:req|requisition|posting)[_-]?(?:id|num|number)=([A-Za-z0-9_-]+)`),
	regexp.MustCompile(`(?i)/(?:jobs?|positions?|careers?|postings?|view)/(?:[^/?#]*?[-_])?([0-9]{4,}|[A-Za-z]*[0-9][A-Za-z0-9_-]*)(?:[/?#]|$)`),
}

var textJobIDPattern = regexp.MustCompile(
	`(?i)\b(?:job\s*id|job\s*#|requisition\s*id|req\s*id|position\s*id|posting\s*id|job\s*reference|reference\s*code)\s*[:#]?\s*([A-Za-z0-9][A-Za-z0-9_-]{2,})`,
)

func jobIDFromURL(rawURL string) string {
	for _, re := range urlJobIDPatterns {
		if m := re.FindStringSubmatch(rawURL); m != nil {
			return m[1]
		}
	}
	return ""
}

func jobIDFromText(text string) string {
	m := textJobIDPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimRight(m[1], "-_")
}
