package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclass/nexusai-gateway/internal/domain"
	"github.com/openclass/nexusai-gateway/internal/errs"
)

func blockingWorker(release <-chan struct{}) Worker {
	return func(ctx context.Context, req *domain.InferenceRequest) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	d := New(1, 1, time.Second, blockingWorker(release))
	defer close(release)

	_, err := d.Submit(context.Background(), &domain.InferenceRequest{})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond) // let it become active, freeing queue slot for the next

	_, err = d.Submit(context.Background(), &domain.InferenceRequest{})
	require.NoError(t, err)

	_, err = d.Submit(context.Background(), &domain.InferenceRequest{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindQueueFull))
}

func TestPositionSentinelsForUnknownAndDone(t *testing.T) {
	d := New(1, 10, time.Second, func(ctx context.Context, req *domain.InferenceRequest) error {
		return nil
	})

	assert.Equal(t, PositionUnknown, d.Position("nonexistent"))

	id, err := d.Submit(context.Background(), &domain.InferenceRequest{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return d.Position(id) == PositionDone
	}, time.Second, 5*time.Millisecond)
}

func TestCancelQueuedRequestTransitionsImmediately(t *testing.T) {
	release := make(chan struct{})
	d := New(1, 10, time.Second, blockingWorker(release))
	defer close(release)

	_, err := d.Submit(context.Background(), &domain.InferenceRequest{})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	id, err := d.Submit(context.Background(), &domain.InferenceRequest{})
	require.NoError(t, err)

	require.NoError(t, d.Cancel(id))
	assert.Equal(t, PositionDone, d.Position(id))
}

func TestStatsReflectAdmittedAndRejected(t *testing.T) {
	release := make(chan struct{})
	d := New(1, 1, time.Second, blockingWorker(release))
	defer close(release)

	_, _ = d.Submit(context.Background(), &domain.InferenceRequest{})
	time.Sleep(20 * time.Millisecond)
	_, _ = d.Submit(context.Background(), &domain.InferenceRequest{})
	_, _ = d.Submit(context.Background(), &domain.InferenceRequest{})

	stats := d.Stats()
	assert.Equal(t, int64(2), stats.AdmittedTotal)
	assert.Equal(t, int64(1), stats.RejectedTotal)
}

func TestDeadlineFailsLongRunningRequest(t *testing.T) {
	d := New(1, 10, 20*time.Millisecond, func(ctx context.Context, req *domain.InferenceRequest) error {
		<-ctx.Done()
		return ctx.Err()
	})

	id, err := d.Submit(context.Background(), &domain.InferenceRequest{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return d.Position(id) == PositionDone
	}, time.Second, 5*time.Millisecond)
}
