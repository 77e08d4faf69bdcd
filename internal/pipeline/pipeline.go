package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PastedPrefix marks the identity of records ingested from pasted text without a URL.
const PastedPrefix = "pasted:sha256:"

// Config controls Pipeline behavior.
type Config struct {
	// Timeout bounds a whole run for one URL. Zero disables it.
	Timeout time.Duration
	// Concurrency caps how many URLs RunBatch processes at once.
	Concurrency int
	// ArchivePrefix is prepended to raw page blob paths.
	ArchivePrefix string
	// Topic receives a record event after each stored record. Empty disables publishing.
	Topic string
}

// Observer receives stage timings and final results, typically for metrics.
type Observer interface {
	ObserveStage(stage State, d time.Duration)
	ObserveResult(result Result)
}

// Deps groups the collaborators of a Pipeline. Archive, Publisher and Observer are optional.
type Deps struct {
	Fetcher    ContentFetcher
	Normalizer Normalizer
	Extractor  Extractor
	Store      RecordStore
	Archive    BlobStore
	Publisher  Publisher
	Hasher     Hasher
	Clock      Clock
	Observer   Observer
}

// Options tune a single run.
type Options struct {
	// Force lets a lower-confidence record overwrite a stored one.
	Force bool
}

// Pipeline sequences fetch, normalize, extract and store for each URL.
type Pipeline struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Pipeline.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Pipeline, error) {
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("content fetcher is required")
	}
	if deps.Normalizer == nil {
		return nil, fmt.Errorf("normalizer is required")
	}
	if deps.Extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if deps.Hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Pipeline{deps: deps, cfg: cfg, logger: logger.Named("pipeline")}, nil
}

// Process runs the full state machine for one posting URL.
func (p *Pipeline) Process(ctx context.Context, rawURL string, opts Options) Result {
	r := p.begin(rawURL)
	sourceURL, err := NormalizeURL(rawURL)
	if err != nil {
		return p.fail(ctx, r, StateFetching, err)
	}
	r.result.URL = sourceURL

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	fetched, err := p.fetch(ctx, r, sourceURL)
	if err != nil {
		return p.fail(ctx, r, StateFetching, err)
	}
	return p.fromFetched(ctx, r, fetched, opts)
}

// ProcessText runs the pipeline on pasted text, bypassing the fetcher. With an
// empty rawURL the record identity is derived from the text digest.
func (p *Pipeline) ProcessText(ctx context.Context, rawURL, text string, opts Options) Result {
	r := p.begin(rawURL)
	sourceURL := ""
	if strings.TrimSpace(rawURL) != "" {
		normalized, err := NormalizeURL(rawURL)
		if err != nil {
			return p.fail(ctx, r, StateFetching, err)
		}
		sourceURL = normalized
	}
	r.result.URL = sourceURL

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	content := text
	fetched := FetchResult{URL: sourceURL, RawContent: &content, Status: FetchOK}
	return p.fromFetched(ctx, r, fetched, opts)
}

// RunBatch processes urls with bounded concurrency. Results keep the input order.
func (p *Pipeline) RunBatch(ctx context.Context, urls []string, opts Options) []Result {
	results := make([]Result, len(urls))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.cfg.Concurrency)
	for i, u := range urls {
		group.Go(func() error {
			results[i] = p.Process(groupCtx, u, opts)
			return nil
		})
	}
	// Process never returns an error; failures live in each Result.
	_ = group.Wait()
	return results
}

// Lookup returns the stored record for rawURL.
func (p *Pipeline) Lookup(ctx context.Context, rawURL string) (JobRecord, error) {
	key := rawURL
	if !strings.HasPrefix(rawURL, PastedPrefix) {
		normalized, err := NormalizeURL(rawURL)
		if err != nil {
			return JobRecord{}, err
		}
		key = normalized
	}
	rec, err := p.deps.Store.Get(ctx, key)
	if err != nil {
		return JobRecord{}, fmt.Errorf("lookup %s: %w", key, err)
	}
	return rec, nil
}

type run struct {
	result     Result
	started    time.Time
	stageStart time.Time
}

func (p *Pipeline) begin(rawURL string) *run {
	now := p.deps.Clock.Now()
	return &run{
		result:     Result{URL: strings.TrimSpace(rawURL), State: StateFetching},
		started:    now,
		stageStart: now,
	}
}

func (p *Pipeline) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.cfg.Timeout)
}

func (p *Pipeline) transition(r *run, next State) {
	now := p.deps.Clock.Now()
	if p.deps.Observer != nil {
		p.deps.Observer.ObserveStage(r.result.State, now.Sub(r.stageStart))
	}
	p.logger.Debug("state transition",
		zap.String("url", r.result.URL),
		zap.String("from", string(r.result.State)),
		zap.String("to", string(next)),
	)
	r.result.State = next
	r.stageStart = now
}

func (p *Pipeline) fetch(ctx context.Context, r *run, sourceURL string) (FetchResult, error) {
	fetched := p.deps.Fetcher.Fetch(ctx, sourceURL)
	r.result.Strategy = fetched.Strategy
	if fetched.Status != FetchOK {
		cause := FetchErr(fetched.Status)
		if fetched.Err != nil {
			cause = fmt.Errorf("%w: %v", cause, fetched.Err)
		}
		return fetched, cause
	}
	p.archive(ctx, sourceURL, fetched)
	return fetched, nil
}

func (p *Pipeline) fromFetched(ctx context.Context, r *run, fetched FetchResult, opts Options) Result {
	if err := ctx.Err(); err != nil {
		return p.fail(ctx, r, r.result.State, err)
	}
	p.transition(r, StateNormalizing)
	doc := p.deps.Normalizer.Normalize(fetched)
	if doc.Empty() {
		return p.fail(ctx, r, StateNormalizing, ErrEmptyContent)
	}
	if r.result.URL == "" {
		digest, err := p.deps.Hasher.Hash([]byte(doc.CleanText))
		if err != nil {
			return p.fail(ctx, r, StateNormalizing, fmt.Errorf("hash pasted text: %w", err))
		}
		r.result.URL = PastedPrefix + digest
	}
	doc.URL = r.result.URL

	p.transition(r, StateExtracting)
	record, err := p.deps.Extractor.Extract(ctx, doc)
	if err != nil {
		return p.fail(ctx, r, StateExtracting, err)
	}
	if record.Confidence.Rank() < ConfidencePartial.Rank() {
		return p.fail(ctx, r, StateExtracting, ErrExtractionIncomplete)
	}
	record.SourceURL = r.result.URL
	record.Truncated = record.Truncated || doc.Truncated
	if IsUnknown(record.JobID) {
		record.JobID = doc.JobID
	}

	if err := ctx.Err(); err != nil {
		return p.fail(ctx, r, StateExtracting, err)
	}
	p.transition(r, StateStoring)
	stored, err := p.deps.Store.Upsert(ctx, record, opts.Force)
	if err != nil {
		return p.fail(ctx, r, StateStoring, err)
	}

	p.transition(r, StateDone)
	r.result.Outcome = stored.Outcome
	r.result.Record = &stored.Record
	p.publish(ctx, stored)
	return p.finish(r)
}

func (p *Pipeline) fail(ctx context.Context, r *run, stage State, err error) Result {
	reason := ReasonFor(err)
	// A caller deadline wins over whatever the interrupted stage reported.
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ErrInvalidURL) {
		reason = ReasonTimeout
		err = fmt.Errorf("%w: %w: %v", ErrTimeout, ctxErr, err)
	}
	if p.deps.Observer != nil {
		p.deps.Observer.ObserveStage(r.result.State, p.deps.Clock.Now().Sub(r.stageStart))
	}
	r.result.State = StateFailed
	r.result.FailedAt = stage
	r.result.Reason = reason
	r.result.Err = &StageError{Stage: stage, Reason: reason, Err: err}
	return p.finish(r)
}

func (p *Pipeline) finish(r *run) Result {
	r.result.DurationMs = p.deps.Clock.Now().Sub(r.started).Milliseconds()
	fields := []zap.Field{
		zap.String("url", r.result.URL),
		zap.String("state", string(r.result.State)),
		zap.String("strategy", string(r.result.Strategy)),
		zap.Int64("duration_ms", r.result.DurationMs),
	}
	if r.result.State == StateFailed {
		fields = append(fields,
			zap.String("failed_at", string(r.result.FailedAt)),
			zap.String("reason", string(r.result.Reason)),
			zap.Error(r.result.Err),
		)
		p.logger.Warn("posting failed", fields...)
	} else {
		fields = append(fields,
			zap.String("outcome", string(r.result.Outcome)),
			zap.String("confidence", string(r.result.Record.Confidence)),
		)
		p.logger.Info("posting stored", fields...)
	}
	if p.deps.Observer != nil {
		p.deps.Observer.ObserveResult(r.result)
	}
	return r.result
}

func (p *Pipeline) archive(ctx context.Context, sourceURL string, fetched FetchResult) {
	if p.deps.Archive == nil || fetched.RawContent == nil {
		return
	}
	body := []byte(*fetched.RawContent)
	hash, err := p.deps.Hasher.Hash(body)
	if err != nil {
		p.logger.Warn("hash raw page failed", zap.String("url", sourceURL), zap.Error(err))
		return
	}
	path := p.archivePath(sourceURL, hash)
	uri, err := p.deps.Archive.PutObject(ctx, path, "text/html; charset=utf-8", body)
	if err != nil {
		p.logger.Warn("archive raw page failed", zap.String("url", sourceURL), zap.Error(err))
		return
	}
	p.logger.Debug("raw page archived", zap.String("url", sourceURL), zap.String("uri", uri))
}

func (p *Pipeline) archivePath(sourceURL, hash string) string {
	host := "unknown-host"
	if u, err := url.Parse(sourceURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	prefix := strings.Trim(p.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", host, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, host, hash)
}

func (p *Pipeline) publish(ctx context.Context, stored UpsertResult) {
	if p.cfg.Topic == "" || p.deps.Publisher == nil {
		return
	}
	payload := map[string]any{
		"record_id":  stored.Record.ID,
		"source_url": stored.Record.SourceURL,
		"outcome":    stored.Outcome,
		"confidence": stored.Record.Confidence,
		"title":      stored.Record.Title,
		"company":    stored.Record.Company,
		"timestamp":  p.deps.Clock.Now().Format(time.RFC3339),
	}
	id, err := p.deps.Publisher.Publish(ctx, p.cfg.Topic, payload)
	if err != nil {
		p.logger.Warn("publish record event failed",
			zap.String("url", stored.Record.SourceURL),
			zap.Error(err),
		)
		return
	}
	p.logger.Debug("record event published", zap.String("url", stored.Record.SourceURL), zap.String("message_id", id))
}
