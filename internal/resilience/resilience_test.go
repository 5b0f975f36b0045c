package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclass/nexusai-gateway/internal/inference"
	"github.com/openclass/nexusai-gateway/internal/storage"
	"github.com/openclass/nexusai-gateway/internal/store"
)

type fakeMetadata struct {
	store.MetadataStore
	degraded bool
	sweepErr error
}

func (f *fakeMetadata) Degraded() bool { return f.degraded }
func (f *fakeMetadata) SweepExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	return 0, f.sweepErr
}

type fakeGateway struct {
	storage.Gateway
	healthErr error
}

func (f *fakeGateway) HealthCheck(ctx context.Context) error { return f.healthErr }

type fakeEngine struct{}

func (fakeEngine) Load(ctx context.Context, cfg inference.Config) error { return nil }
func (fakeEngine) Unload(ctx context.Context) error                     { return nil }
func (fakeEngine) Generate(ctx context.Context, prompt string, limits inference.Limits, out chan<- inference.Fragment) {
	close(out)
}

func TestProbeHealthyWhenEverythingPasses(t *testing.T) {
	meta := &fakeMetadata{}
	gw := &fakeGateway{}
	adapter := inference.New(fakeEngine{})
	require.NoError(t, adapter.Load(context.Background(), inference.Config{}))

	s := New(meta, gw, adapter, nil, nil, nil, nil, Config{})
	status := s.Probe(context.Background())

	assert.True(t, status.Healthy())
	assert.Empty(t, status.Errors)
}

func TestProbeFailsWhenMetadataDegraded(t *testing.T) {
	meta := &fakeMetadata{degraded: true}
	gw := &fakeGateway{}
	adapter := inference.New(fakeEngine{})
	require.NoError(t, adapter.Load(context.Background(), inference.Config{}))

	s := New(meta, gw, adapter, nil, nil, nil, nil, Config{})
	status := s.Probe(context.Background())

	assert.False(t, status.Healthy())
	assert.False(t, status.MetadataOK)
	assert.NotEmpty(t, status.Errors)
}

func TestProbeFailsWhenVectorGatewayUnhealthy(t *testing.T) {
	meta := &fakeMetadata{}
	gw := &fakeGateway{healthErr: assertErr("qdrant unreachable")}
	adapter := inference.New(fakeEngine{})
	require.NoError(t, adapter.Load(context.Background(), inference.Config{}))

	s := New(meta, gw, adapter, nil, nil, nil, nil, Config{})
	status := s.Probe(context.Background())

	assert.False(t, status.VectorOK)
	assert.False(t, status.Healthy())
}

func TestProbeFailsWhenInferenceNotLoaded(t *testing.T) {
	meta := &fakeMetadata{}
	gw := &fakeGateway{}
	adapter := inference.New(fakeEngine{}) // never Load'd

	s := New(meta, gw, adapter, nil, nil, nil, nil, Config{})
	status := s.Probe(context.Background())

	assert.False(t, status.InferenceOK)
}

func TestRecoverFromCrashIsNoOpWithoutSpillBuffer(t *testing.T) {
	meta := &fakeMetadata{}
	gw := &fakeGateway{}
	s := New(meta, gw, nil, nil, nil, nil, nil, Config{})

	require.NoError(t, s.RecoverFromCrash(context.Background()))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
