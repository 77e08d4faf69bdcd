// Package extract turns normalized posting text into a JobRecord using a
// language-model completion, with defensive parsing and a single repair pass.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobtrack/internal/llm"
	"github.com/JakeFAU/jobtrack/internal/pipeline"
)

// Defaults for Config.
const (
	DefaultCompletionTimeout = 60 * time.Second
	DefaultRetries           = 1
)

// Config bounds completion calls.
type Config struct {
	// CompletionTimeout bounds each individual completion call.
	CompletionTimeout time.Duration
	// Retries is how many times a failed completion call is repeated. Zero
	// means DefaultRetries.
	Retries int
	// RetryDelay is the base backoff between completion retries.
	RetryDelay time.Duration
}

// Observer receives the confidence of every finished extraction.
type Observer interface {
	ObserveExtraction(confidence pipeline.Confidence)
}

// Extractor implements pipeline.Extractor.
type Extractor struct {
	llm      llm.Completer
	clock    pipeline.Clock
	cfg      Config
	retry    pipeline.RetryPolicy
	logger   *zap.Logger
	observer Observer
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithObserver reports extraction confidence to o.
func WithObserver(o Observer) Option {
	return func(e *Extractor) {
		e.observer = o
	}
}

// New builds an Extractor.
func New(completer llm.Completer, clock pipeline.Clock, cfg Config, logger *zap.Logger, opts ...Option) (*Extractor, error) {
	if completer == nil {
		return nil, errors.New("completer is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = DefaultCompletionTimeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Extractor{
		llm:    completer,
		clock:  clock,
		cfg:    cfg,
		retry:  pipeline.NewExponentialRetryPolicy(cfg.Retries, cfg.RetryDelay, 4*cfg.RetryDelay),
		logger: logger.Named("extract"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Extract implements pipeline.Extractor. A record whose confidence is FAILED
// comes back together with an error wrapping pipeline.ErrExtractionIncomplete.
func (e *Extractor) Extract(ctx context.Context, doc pipeline.NormalizedDocument) (pipeline.JobRecord, error) {
	if doc.Empty() {
		return pipeline.JobRecord{}, pipeline.ErrEmptyContent
	}

	raw, err := e.complete(ctx, extractionPrompt(doc))
	if err != nil {
		return pipeline.JobRecord{}, err
	}
	cand, parseErr := parseCandidate(raw)

	if problem := describeProblem(cand, parseErr); problem != "" {
		e.logger.Debug("repairing model output", zap.String("url", doc.URL), zap.String("problem", problem))
		repaired, repairErr := e.repair(ctx, doc, raw, problem)
		switch {
		case repairErr == nil && parseErr != nil:
			cand, parseErr = repaired, nil
		case repairErr == nil:
			cand = repaired.merge(cand)
		case parseErr != nil:
			return pipeline.JobRecord{}, repairErr
		default:
			e.logger.Debug("repair failed; keeping first output", zap.String("url", doc.URL), zap.Error(repairErr))
		}
	}

	record, missing := e.toRecord(cand)
	if e.observer != nil {
		e.observer.ObserveExtraction(record.Confidence)
	}
	if record.Confidence == pipeline.ConfidenceFailed {
		return record, fmt.Errorf("%w: missing %s", pipeline.ErrExtractionIncomplete, strings.Join(missing, ", "))
	}
	if len(missing) > 0 {
		e.logger.Info("partial extraction", zap.String("url", doc.URL), zap.Strings("missing", missing))
	}
	return record, nil
}

func describeProblem(cand candidate, parseErr error) string {
	if parseErr != nil {
		return parseErr.Error()
	}
	missing, illTyped := cand.problems()
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing "+strings.Join(missing, ", "))
	}
	if len(illTyped) > 0 {
		parts = append(parts, "wrong type for "+strings.Join(illTyped, ", "))
	}
	return strings.Join(parts, "; ")
}

func (e *Extractor) repair(ctx context.Context, doc pipeline.NormalizedDocument, previous, problem string) (candidate, error) {
	raw, err := e.complete(ctx, repairPrompt(doc, previous, problem))
	if err != nil {
		return nil, err
	}
	return parseCandidate(raw)
}

// complete calls the model with a per-call timeout, retrying failed calls.
func (e *Extractor) complete(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CompletionTimeout)
		out, err := e.llm.Complete(callCtx, prompt)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !e.retry.ShouldRetry(err, attempt) {
			break
		}
		e.logger.Debug("completion failed; retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		if err := pipeline.Sleep(ctx, e.retry.Backoff(attempt)); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %v", pipeline.ErrExtractionUnavailable, lastErr)
}

// toRecord maps a candidate to a JobRecord and grades it. It returns the
// required fields that had to be filled with the unknown sentinel.
func (e *Extractor) toRecord(c candidate) (pipeline.JobRecord, []string) {
	_, illTyped := c.problems()
	required := func(key string) string {
		v := asString(c[key])
		if pipeline.IsUnknown(v) {
			return pipeline.Unknown
		}
		return v
	}
	optional := func(key string) string {
		v := asString(c[key])
		if pipeline.IsUnknown(v) {
			return ""
		}
		return v
	}
	list := func(key string) []string {
		return pipeline.SkillSet(asStrings(c[key]))
	}

	rec := pipeline.JobRecord{
		Title:               required("title"),
		Company:             required("company"),
		Location:            required("location"),
		Seniority:           strings.ToLower(required("seniority")),
		Skills:              list("skills"),
		DescriptionSummary:  required("description_summary"),
		JobID:               optional("job_id"),
		EmploymentType:      optional("employment_type"),
		Industry:            optional("industry"),
		RequiredExperience:  optional("required_experience"),
		Education:           optional("education"),
		SoftSkills:          list("soft_skills"),
		Responsibilities:    cleanList(asStrings(c["responsibilities"])),
		Benefits:            cleanList(asStrings(c["benefits"])),
		ApplicationDeadline: optional("application_deadline"),
		ExtractedAt:         e.clock.Now().UTC(),
	}
	rec.Salary, rec.SalaryText = salaryFromCandidate(c["salary"])

	// An ill-typed value that could not be read counts as missing.
	missing := unfilled(rec)
	requiredCount := len(RequiredFields())
	switch {
	case len(missing)*2 > requiredCount:
		rec.Confidence = pipeline.ConfidenceFailed
	case len(missing) > 0 || len(illTyped) > 0:
		rec.Confidence = pipeline.ConfidencePartial
	default:
		rec.Confidence = pipeline.ConfidenceHigh
	}
	return rec, missing
}

// unfilled lists the required fields rec holds no usable value for.
func unfilled(rec pipeline.JobRecord) []string {
	empty := map[string]bool{
		"title":               pipeline.IsUnknown(rec.Title),
		"company":             pipeline.IsUnknown(rec.Company),
		"location":            pipeline.IsUnknown(rec.Location),
		"seniority":           pipeline.IsUnknown(rec.Seniority),
		"skills":              len(rec.Skills) == 0,
		"description_summary": pipeline.IsUnknown(rec.DescriptionSummary),
	}
	var out []string
	for _, name := range RequiredFields() {
		if empty[name] {
			out = append(out, name)
		}
	}
	return out
}

// cleanList keeps order, which matters for responsibilities and benefits.
func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = strings.Join(strings.Fields(item), " ")
		if pipeline.IsUnknown(item) {
			continue
		}
		if _, ok := seen[strings.ToLower(item)]; ok {
			continue
		}
		seen[strings.ToLower(item)] = struct{}{}
		out = append(out, item)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
