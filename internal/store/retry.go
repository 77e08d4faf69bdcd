package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobtrack/internal/pipeline"
)

// DefaultRetries is how often an unavailable store is retried.
const DefaultRetries = 3

// Backend is a RecordStore that owns connections.
type Backend interface {
	pipeline.RecordStore
	Close() error
}

// UpsertObserver receives upsert outcomes, typically for metrics.
type UpsertObserver interface {
	ObserveUpsert(outcome pipeline.Outcome, err error)
}

// Retrying wraps a Backend and retries operations that fail with
// pipeline.ErrStoreUnavailable. Conflicts are returned as is.
type Retrying struct {
	inner    Backend
	policy   pipeline.RetryPolicy
	logger   *zap.Logger
	observer UpsertObserver
}

// Option customizes Retrying.
type Option func(*Retrying)

// WithObserver reports every upsert to o.
func WithObserver(o UpsertObserver) Option {
	return func(r *Retrying) {
		r.observer = o
	}
}

// NewRetrying wraps inner. retries <= 0 selects DefaultRetries.
func NewRetrying(inner Backend, retries int, baseDelay time.Duration, logger *zap.Logger, opts ...Option) *Retrying {
	if retries <= 0 {
		retries = DefaultRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Retrying{
		inner: inner,
		policy: pipeline.NewExponentialRetryPolicy(retries, baseDelay, 8*baseDelay,
			pipeline.WithRetryable(func(err error) bool {
				return errors.Is(err, pipeline.ErrStoreUnavailable)
			}),
		),
		logger: logger.Named("store"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Upsert implements pipeline.RecordStore.
func (r *Retrying) Upsert(ctx context.Context, record pipeline.JobRecord, force bool) (pipeline.UpsertResult, error) {
	var res pipeline.UpsertResult
	err := r.do(ctx, "upsert", record.SourceURL, func() error {
		var err error
		res, err = r.inner.Upsert(ctx, record, force)
		return err
	})
	if r.observer != nil {
		r.observer.ObserveUpsert(res.Outcome, err)
	}
	return res, err
}

// Get implements pipeline.RecordStore.
func (r *Retrying) Get(ctx context.Context, sourceURL string) (pipeline.JobRecord, error) {
	var rec pipeline.JobRecord
	err := r.do(ctx, "get", sourceURL, func() error {
		var err error
		rec, err = r.inner.Get(ctx, sourceURL)
		return err
	})
	return rec, err
}

// Close closes the wrapped backend.
func (r *Retrying) Close() error {
	return r.inner.Close()
}

func (r *Retrying) do(ctx context.Context, op, key string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if !r.policy.ShouldRetry(err, attempt) {
			return err
		}
		delay := r.policy.Backoff(attempt)
		r.logger.Warn("store unavailable; retrying",
			zap.String("op", op),
			zap.String("url", key),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if sleepErr := pipeline.Sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
}
