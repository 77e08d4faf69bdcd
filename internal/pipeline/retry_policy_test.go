package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialRetryPolicy_ShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(1, 10*time.Millisecond, 100*time.Millisecond)
	require.False(t, p.ShouldRetry(nil, 0))
	require.True(t, p.ShouldRetry(errors.New("transient"), 0))
	require.False(t, p.ShouldRetry(errors.New("transient"), 1))
	require.False(t, p.ShouldRetry(context.Canceled, 0))
}

func TestExponentialRetryPolicy_Retryable(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, 0, 0, WithRetryable(func(err error) bool {
		return errors.Is(err, ErrStoreUnavailable)
	}))
	require.True(t, p.ShouldRetry(ErrStoreUnavailable, 2))
	require.False(t, p.ShouldRetry(ErrStoreConflict, 0))
}

func TestExponentialRetryPolicy_BackoffBounded(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(5, 100*time.Millisecond, 400*time.Millisecond)
	for attempt := 0; attempt < 6; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
		require.LessOrEqual(t, d, 400*time.Millisecond)
	}
}

func TestSleep_ContextCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Second), context.Canceled)
	require.NoError(t, Sleep(context.Background(), time.Millisecond))
}
