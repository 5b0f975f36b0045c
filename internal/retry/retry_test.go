package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsWithoutRetry(t *testing.T) {
	r := New(DefaultConfig())
	calls := 0

	result := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, result.Err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, result.Attempts)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	cfg := &Config{
		MaxAttempts:     5,
		InitialDelay:    time.Millisecond,
		MaxDelay:        10 * time.Millisecond,
		Multiplier:      2,
		RandomizeFactor: 0,
		RetryIf:         DefaultRetryIf,
	}
	r := New(cfg)
	calls := 0

	result := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, result.Err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	cfg := &Config{
		MaxAttempts:     5,
		InitialDelay:    time.Millisecond,
		MaxDelay:        10 * time.Millisecond,
		Multiplier:      2,
		RandomizeFactor: 0,
		RetryIf:         DefaultRetryIf,
	}
	r := New(cfg)
	calls := 0

	result := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &PermanentError{Err: errors.New("integrity failure")}
	})

	require.Error(t, result.Err)
	assert.Equal(t, 1, calls)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := New(DefaultConfig())
	result := r.Do(ctx, func(ctx context.Context) error {
		return errors.New("should not run to completion")
	})

	require.Error(t, result.Err)
}

func TestNextDelayCapsAtMaxDelay(t *testing.T) {
	cfg := ExponentialBackoff(3)
	r := New(cfg)

	delay := r.nextDelay(cfg.MaxDelay)
	assert.Equal(t, cfg.MaxDelay, delay)
}
