package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclass/nexusai-gateway/internal/domain"
	"github.com/openclass/nexusai-gateway/internal/errs"
)

type captureSink struct {
	mu      sync.Mutex
	batches [][]domain.UsageCounter
}

func (c *captureSink) Upload(ctx context.Context, batchID string, counters []domain.UsageCounter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, counters)
	return nil
}

func TestRecordQueryAccumulatesIntoCurrentBucket(t *testing.T) {
	a := NewAggregator("", "v1", nil, 7*24*time.Hour, &captureSink{})
	a.RecordQuery(120, errs.Kind(""))
	a.RecordQuery(80, errs.KindTimeout)

	b := a.currentBucket()
	assert.Equal(t, int64(2), b.totalQueries)
	assert.Equal(t, int64(1), b.errorCounts[domain.ErrorKind(errs.KindTimeout)])
}

func TestFlushSkipsCurrentHourBucket(t *testing.T) {
	sink := &captureSink{}
	a := NewAggregator("", "v1", nil, 7*24*time.Hour, sink)
	a.RecordQuery(50, "")

	require.NoError(t, a.Flush(context.Background()))
	assert.Empty(t, sink.batches, "the in-progress hour must not be uploaded yet")
}

func TestFlushUploadsPastBucketsAndAllowListOnly(t *testing.T) {
	sink := &captureSink{}
	a := NewAggregator("", "v1", []string{"vkp-math-2026.1"}, 7*24*time.Hour, sink)

	past := hourBucket(time.Now().Add(-2 * time.Hour))
	a.buckets[past] = &bucket{totalQueries: 5, latencies: []float64{10, 20, 30}, errorCounts: map[domain.ErrorKind]int64{}}

	require.NoError(t, a.Flush(context.Background()))
	require.Len(t, sink.batches, 1)
	assert.Equal(t, int64(5), sink.batches[0][0].TotalQueries)
	assert.Equal(t, "v1", sink.batches[0][0].ActiveModelVer)
}

func TestFlushDropsBucketsPastRetention(t *testing.T) {
	sink := &captureSink{}
	a := NewAggregator("", "v1", nil, time.Hour, sink)

	stale := hourBucket(time.Now().Add(-48 * time.Hour))
	a.buckets[stale] = &bucket{totalQueries: 1, errorCounts: map[domain.ErrorKind]int64{}}

	require.NoError(t, a.Flush(context.Background()))
	assert.Empty(t, sink.batches)
	_, stillPresent := a.buckets[stale]
	assert.False(t, stillPresent)
}
