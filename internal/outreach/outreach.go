// Package outreach drafts referral requests for a stored posting and builds the
// people-search link used to find someone to send them to.
package outreach

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobtrack/internal/llm"
	"github.com/JakeFAU/jobtrack/internal/pipeline"
)

// NamePlaceholder marks where the recipient's name goes.
const NamePlaceholder = "[NAME]"

// Message length limits imposed by LinkedIn.
const (
	MaxConnectionChars = 300
	MaxInMailChars     = 1000
)

const defaultTimeout = 30 * time.Second

// Drafts is everything generated for one posting.
type Drafts struct {
	SourceURL  string `json:"source_url"`
	Connection string `json:"connection_note"`
	InMail     string `json:"inmail"`
	SearchURL  string `json:"people_search_url"`
	// Fallback is set when at least one message came from a template.
	Fallback bool `json:"fallback,omitempty"`
}

// Generator drafts outreach text with a language model and falls back to
// fixed templates when the model fails or ignores the format.
type Generator struct {
	completer llm.Completer
	timeout   time.Duration
	logger    *zap.Logger
}

// New constructs a Generator. A nil completer always uses the templates.
func New(completer llm.Completer, timeout time.Duration, logger *zap.Logger) *Generator {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{completer: completer, timeout: timeout, logger: logger.Named("outreach")}
}

// Generate drafts both messages and the search link for rec.
func (g *Generator) Generate(ctx context.Context, rec pipeline.JobRecord) Drafts {
	d := Drafts{SourceURL: rec.SourceURL, SearchURL: SearchURL(rec.Company, rec.Title)}

	conn, ok := g.draft(ctx, connectionPrompt(rec), func(s string) bool {
		return strings.Contains(s, NamePlaceholder)
	})
	if !ok {
		conn = connectionFallback(rec)
		d.Fallback = true
	}
	d.Connection = limit(conn, MaxConnectionChars)

	inmail, ok := g.draft(ctx, inmailPrompt(rec), func(s string) bool {
		return strings.HasPrefix(s, "Hi "+NamePlaceholder)
	})
	if !ok {
		inmail = inmailFallback(rec)
		d.Fallback = true
	}
	d.InMail = limit(inmail, MaxInMailChars)
	return d
}

func (g *Generator) draft(ctx context.Context, prompt string, valid func(string) bool) (string, bool) {
	if g.completer == nil {
		return "", false
	}
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	out, err := g.completer.Complete(callCtx, prompt)
	if err != nil {
		g.logger.Warn("outreach completion failed, using template", zap.Error(err))
		return "", false
	}
	out = strings.Trim(strings.TrimSpace(out), "\"")
	if out == "" || !valid(out) {
		g.logger.Debug("outreach completion ignored format, using template")
		return "", false
	}
	return out, true
}

// SearchURL returns a LinkedIn people search for employees of company in
// roles like title.
func SearchURL(company, title string) string {
	terms := make([]string, 0, 2)
	for _, v := range []string{company, title} {
		if !pipeline.IsUnknown(v) {
			terms = append(terms, strings.TrimSpace(v))
		}
	}
	keywords := strings.ReplaceAll(url.QueryEscape(strings.Join(terms, " ")), "+", "%20")
	return "https://www.linkedin.com/search/results/people/?keywords=" + keywords + "&origin=GLOBAL_SEARCH_HEADER"
}

// limit cuts s to n runes, ending in an ellipsis when it had to cut.
func limit(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-3]) + "..."
}

func or(v, fallback string) string {
	if pipeline.IsUnknown(v) {
		return fallback
	}
	return strings.TrimSpace(v)
}

const connectionTemplate = `Write a LinkedIn connection request asking for a referral for this job.

Job Title: %s
Company: %s
Job ID: %s
Job URL: %s

The message must be professional and courteous, mention interest in the role, ask for a
referral and offer more information. Keep it under %d characters. Address the recipient
as %s and do not add a placeholder for the sender's name.

Return ONLY the message text.
`

const inmailTemplate = `Write a LinkedIn message asking for a referral for this job.

Job Title: %s
Company: %s
Job ID: %s
Job URL: %s
Technical Skills: %s
Experience: %s

Start with "Hi %s," and end with "Best regards," with no sender name. Briefly state interest
in the role, mention two or three matching skills, ask for a referral, include the job link
and ID, and offer to share a resume. Keep it under %d characters.

Return ONLY the message text.
`

func connectionPrompt(rec pipeline.JobRecord) string {
	return fmt.Sprintf(connectionTemplate,
		or(rec.Title, "the position"), or(rec.Company, "your company"),
		or(rec.JobID, ""), rec.SourceURL, MaxConnectionChars, NamePlaceholder)
}

func inmailPrompt(rec pipeline.JobRecord) string {
	skills := rec.Skills
	if len(skills) > 5 {
		skills = skills[:5]
	}
	return fmt.Sprintf(inmailTemplate,
		or(rec.Title, "the position"), or(rec.Company, "your company"),
		or(rec.JobID, ""), rec.SourceURL, strings.Join(skills, ", "),
		or(rec.RequiredExperience, ""), NamePlaceholder, MaxInMailChars)
}

func connectionFallback(rec pipeline.JobRecord) string {
	return fmt.Sprintf("Hi %s, I'm interested in the %s at %s. Would you be open to referring me for this role? Thanks!",
		NamePlaceholder, or(rec.Title, "position"), or(rec.Company, "your company"))
}

func inmailFallback(rec pipeline.JobRecord) string {
	return fmt.Sprintf(`Hi %s,

I hope this message finds you well. I'm interested in the %s role at %s and noticed you work there.

Would you be open to referring me for this position? I'd be happy to share my resume and discuss how my background aligns with the role.

Job link: %s
Job ID: %s

Thank you for considering my request.

Best regards`,
		NamePlaceholder, or(rec.Title, "the position"), or(rec.Company, "the company"),
		rec.SourceURL, or(rec.JobID, "Not available"))
}
