// Package telemetry implements C9, the Telemetry Aggregator: in-memory
// rolling counters bucketed per hour, flushed to a remote sink on a fixed
// cadence. Every emitted field must sit on the allow-list in
// domain.UsageCounter — nothing here may carry a user id, question, or
// response (§4.9 privacy invariant).
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openclass/nexusai-gateway/internal/domain"
	"github.com/openclass/nexusai-gateway/internal/errs"
	"github.com/openclass/nexusai-gateway/internal/logging"
)

// Sink uploads a batch of counters to the remote collector. Uploads must
// be idempotent by BatchID (§6).
type Sink interface {
	Upload(ctx context.Context, batchID string, counters []domain.UsageCounter) error
}

// Aggregator owns the in-process bucket cache and the flush loop.
type Aggregator struct {
	redis *redis.Client

	mu      sync.Mutex
	buckets map[time.Time]*bucket

	activeModelVer  string
	packageVersions []string
	retention       time.Duration
	sink            Sink
}

type bucket struct {
	totalQueries int64
	latencies    []float64
	errorCounts  map[domain.ErrorKind]int64
}

func NewAggregator(redisAddr string, activeModelVer string, packageVersions []string, retention time.Duration, sink Sink) *Aggregator {
	var client *redis.Client
	if redisAddr != "" {
		client = redis.NewClient(&redis.Options{Addr: redisAddr})
	}
	return &Aggregator{
		redis:           client,
		buckets:         make(map[time.Time]*bucket),
		activeModelVer:  activeModelVer,
		packageVersions: packageVersions,
		retention:       retention,
		sink:            sink,
	}
}

func hourBucket(t time.Time) time.Time {
	return t.Truncate(time.Hour)
}

// RecordQuery adds one completed request's latency and outcome to the
// current hour's bucket.
func (a *Aggregator) RecordQuery(latencyMs float64, kind errs.Kind) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.currentBucket()
	b.totalQueries++
	b.latencies = append(b.latencies, latencyMs)
	if kind != "" {
		b.errorCounts[domain.ErrorKind(kind)]++
	}

	if a.redis != nil {
		ctx := context.Background()
		key := "gateway:telemetry:" + hourBucket(time.Now()).Format(time.RFC3339)
		if err := a.redis.HIncrBy(ctx, key, "total_queries", 1).Err(); err != nil {
			logging.TelemetryLogger.Warn("redis hincrby failed", "error", err.Error())
		}
	}
}

func (a *Aggregator) currentBucket() *bucket {
	h := hourBucket(time.Now())
	b, ok := a.buckets[h]
	if !ok {
		b = &bucket{errorCounts: make(map[domain.ErrorKind]int64)}
		a.buckets[h] = b
	}
	return b
}

// Flush uploads every bucket older than the current hour, and on success
// drops them from local memory. Buckets that fail to upload are retried
// on the next cycle; anything past retention is dropped regardless (§4.9).
func (a *Aggregator) Flush(ctx context.Context) error {
	a.mu.Lock()
	now := hourBucket(time.Now())
	var batch []domain.UsageCounter
	var toDelete []time.Time
	for h, b := range a.buckets {
		if h.Equal(now) {
			continue
		}
		if time.Since(h) > a.retention {
			toDelete = append(toDelete, h)
			continue
		}
		batch = append(batch, domain.UsageCounter{
			BucketHour:       h,
			TotalQueries:     b.totalQueries,
			LatencyP50Ms:     percentile(b.latencies, 0.50),
			LatencyP90Ms:     percentile(b.latencies, 0.90),
			LatencyP99Ms:     percentile(b.latencies, 0.99),
			ErrorCountByKind: b.errorCounts,
			ActiveModelVer:   a.activeModelVer,
			PackageVersions:  a.packageVersions,
		})
	}
	a.mu.Unlock()

	for _, h := range toDelete {
		a.mu.Lock()
		delete(a.buckets, h)
		a.mu.Unlock()
	}

	if len(batch) == 0 || a.sink == nil {
		return nil
	}

	batchID := now.Format(time.RFC3339)
	if err := a.sink.Upload(ctx, batchID, batch); err != nil {
		logging.TelemetryLogger.Warn("telemetry upload failed, retaining for next cycle", "error", err.Error())
		return err
	}

	a.mu.Lock()
	for _, c := range batch {
		delete(a.buckets, c.BucketHour)
	}
	a.mu.Unlock()
	return nil
}

// Run flushes on interval until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Flush(ctx); err != nil {
				continue
			}
		}
	}
}

func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	insertionSort(sorted)
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func insertionSort(s []float64) {
	for i := 1; i < len(s); i++ {
		v := s[i]
		j := i - 1
		for j >= 0 && s[j] > v {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = v
	}
}
