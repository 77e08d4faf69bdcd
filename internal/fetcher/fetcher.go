// Package fetcher retrieves raw posting content, trying a plain HTTP GET first
// and falling back to a single headless-browser render.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobtrack/internal/fetcher/detector"
	"github.com/JakeFAU/jobtrack/internal/pipeline"
)

// ErrBrowserUnavailable reports that the render strategy could not start a browser.
var ErrBrowserUnavailable = errors.New("browser unavailable")

// Page is the response of one strategy attempt.
type Page struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Strategy fetches a URL one way.
type Strategy interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Decider is the pure decision function choosing between strategies.
type Decider interface {
	Decide(statusCode int, body []byte, fetchErr error) detector.Decision
	Blocked(statusCode int, body []byte) bool
}

// Limiter paces requests per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Observer receives one call per completed fetch.
type Observer interface {
	ObserveFetch(strategy pipeline.Strategy, status pipeline.FetchStatus, attempts int, d time.Duration)
}

// Config controls the fallback policy.
type Config struct {
	// Timeout bounds each attempt of either strategy.
	Timeout time.Duration
	// HTTPRetries is how many times a failed HTTP attempt is repeated before rendering.
	HTTPRetries int
	// RetryDelay is the base backoff between HTTP attempts.
	RetryDelay time.Duration
}

// ContentFetcher implements pipeline.ContentFetcher.
type ContentFetcher struct {
	http     Strategy
	render   Strategy
	decider  Decider
	limiter  Limiter
	observer Observer
	retry    pipeline.RetryPolicy
	cfg      Config
	logger   *zap.Logger
}

// Option customizes a ContentFetcher.
type Option func(*ContentFetcher)

// WithLimiter paces HTTP attempts per host. Renders are bounded by the
// browser session cap instead.
func WithLimiter(l Limiter) Option {
	return func(f *ContentFetcher) {
		f.limiter = l
	}
}

// WithObserver reports every fetch to o.
func WithObserver(o Observer) Option {
	return func(f *ContentFetcher) {
		f.observer = o
	}
}

// New builds a ContentFetcher. render may be nil when no browser is available,
// in which case pages that need rendering fail with status ERROR.
func New(httpStrategy, render Strategy, decider Decider, cfg Config, logger *zap.Logger, opts ...Option) (*ContentFetcher, error) {
	if httpStrategy == nil {
		return nil, fmt.Errorf("http strategy is required")
	}
	if decider == nil {
		return nil, fmt.Errorf("decider is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.HTTPRetries < 0 {
		cfg.HTTPRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &ContentFetcher{
		http:    httpStrategy,
		render:  render,
		decider: decider,
		cfg:     cfg,
		logger:  logger.Named("fetcher"),
		retry: pipeline.NewExponentialRetryPolicy(cfg.HTTPRetries, cfg.RetryDelay, 0,
			pipeline.WithRetryable(func(err error) bool {
				return !errors.Is(err, pipeline.ErrInvalidURL)
			}),
		),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Fetch implements pipeline.ContentFetcher.
func (f *ContentFetcher) Fetch(ctx context.Context, url string) pipeline.FetchResult {
	start := time.Now()
	result := f.fetch(ctx, url)
	result.Duration = time.Since(start)
	if f.observer != nil {
		f.observer.ObserveFetch(result.Strategy, result.Status, result.Attempts, result.Duration)
	}
	f.logger.Debug("fetch finished",
		zap.String("url", url),
		zap.String("strategy", string(result.Strategy)),
		zap.String("status", string(result.Status)),
		zap.Int("attempts", result.Attempts),
		zap.Int("status_code", result.StatusCode),
		zap.Duration("duration", result.Duration),
	)
	return result
}

func (f *ContentFetcher) fetch(ctx context.Context, url string) pipeline.FetchResult {
	page, attempts, err := f.fetchHTTP(ctx, url)
	decision := f.decider.Decide(page.StatusCode, page.Body, err)
	if !decision.Render {
		return okResult(url, pipeline.StrategyHTTP, page, attempts)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return failedResult(url, pipeline.StrategyHTTP, pipeline.FetchTimeout, page.StatusCode, attempts, ctxErr)
	}

	f.logger.Info("falling back to render",
		zap.String("url", url),
		zap.String("reason", string(decision.Reason)),
		zap.Int("status_code", page.StatusCode),
		zap.Int("body_bytes", len(page.Body)),
		zap.Error(err),
	)
	if f.render == nil {
		if decision.Blocked {
			return failedResult(url, pipeline.StrategyHTTP, pipeline.FetchBlocked, page.StatusCode, attempts, nil)
		}
		if err != nil && isTimeout(err) {
			return failedResult(url, pipeline.StrategyHTTP, pipeline.FetchTimeout, page.StatusCode, attempts, err)
		}
		return failedResult(url, pipeline.StrategyHTTP, pipeline.FetchError, page.StatusCode, attempts, ErrBrowserUnavailable)
	}

	attempts++
	rendered, err := f.attempt(ctx, f.render, url)
	switch {
	case err == nil:
	case isTimeout(err):
		return failedResult(url, pipeline.StrategyRendered, pipeline.FetchTimeout, 0, attempts, err)
	default:
		return failedResult(url, pipeline.StrategyRendered, pipeline.FetchError, 0, attempts, err)
	}
	if f.decider.Blocked(rendered.StatusCode, rendered.Body) {
		return failedResult(url, pipeline.StrategyRendered, pipeline.FetchBlocked, rendered.StatusCode, attempts, nil)
	}
	if rendered.StatusCode < 200 || rendered.StatusCode > 299 {
		return failedResult(url, pipeline.StrategyRendered, pipeline.FetchError, rendered.StatusCode, attempts,
			fmt.Errorf("rendered page returned status %d", rendered.StatusCode))
	}
	return okResult(url, pipeline.StrategyRendered, rendered, attempts)
}

// fetchHTTP runs the HTTP strategy with at most cfg.HTTPRetries extra attempts on
// transport errors. Thin or blocked pages are not retried; they go to the renderer.
func (f *ContentFetcher) fetchHTTP(ctx context.Context, url string) (Page, int, error) {
	var (
		page Page
		err  error
	)
	attempts := 0
	for {
		attempts++
		if f.limiter != nil {
			if err = f.limiter.Wait(ctx, url); err != nil {
				return Page{}, attempts, err
			}
		}
		page, err = f.attempt(ctx, f.http, url)
		if err == nil || ctx.Err() != nil || !f.retry.ShouldRetry(err, attempts-1) {
			return page, attempts, err
		}
		f.logger.Debug("retrying http fetch", zap.String("url", url), zap.Int("attempt", attempts), zap.Error(err))
		if sleepErr := pipeline.Sleep(ctx, f.retry.Backoff(attempts-1)); sleepErr != nil {
			return page, attempts, err
		}
	}
}

func (f *ContentFetcher) attempt(ctx context.Context, strategy Strategy, url string) (Page, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()
	page, err := strategy.Fetch(attemptCtx, url)
	if err == nil && attemptCtx.Err() != nil {
		err = attemptCtx.Err()
	}
	return page, err
}

func okResult(url string, strategy pipeline.Strategy, page Page, attempts int) pipeline.FetchResult {
	body := string(page.Body)
	return pipeline.FetchResult{
		URL:        url,
		RawContent: &body,
		Strategy:   strategy,
		Status:     pipeline.FetchOK,
		StatusCode: page.StatusCode,
		Attempts:   attempts,
	}
}

func failedResult(
	url string,
	strategy pipeline.Strategy,
	status pipeline.FetchStatus,
	statusCode int,
	attempts int,
	err error,
) pipeline.FetchResult {
	return pipeline.FetchResult{
		URL:        url,
		Strategy:   strategy,
		Status:     status,
		StatusCode: statusCode,
		Attempts:   attempts,
		Err:        err,
	}
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
