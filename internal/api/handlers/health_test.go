package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclass/nexusai-gateway/internal/inference"
	"github.com/openclass/nexusai-gateway/internal/resilience"
	"github.com/openclass/nexusai-gateway/internal/storage"
	"github.com/openclass/nexusai-gateway/internal/store"
)

type healthyMetadata struct{ store.MetadataStore }

func (healthyMetadata) Degraded() bool { return false }
func (healthyMetadata) SweepExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

type healthyGateway struct{ storage.Gateway }

func (healthyGateway) HealthCheck(ctx context.Context) error { return nil }

type noopEngine struct{}

func (noopEngine) Load(ctx context.Context, cfg inference.Config) error { return nil }
func (noopEngine) Unload(ctx context.Context) error                     { return nil }
func (noopEngine) Generate(ctx context.Context, prompt string, limits inference.Limits, out chan<- inference.Fragment) {
	close(out)
}

func newTestSupervisor(t *testing.T) *resilience.Supervisor {
	t.Helper()
	adapter := inference.New(noopEngine{})
	require.NoError(t, adapter.Load(context.Background(), inference.Config{}))
	return resilience.New(healthyMetadata{}, healthyGateway{}, adapter, nil, nil, nil, nil, resilience.Config{})
}

func TestHealthHandlerHandleReportsHealthy(t *testing.T) {
	h := NewHealthHandler(newTestSupervisor(t))

	rec := httptest.NewRecorder()
	h.Handle(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestHealthHandlerLivenessSkipsProbe(t *testing.T) {
	h := NewHealthHandler(nil)

	rec := httptest.NewRecorder()
	h.HandleLiveness(rec, httptest.NewRequest(http.MethodGet, "/liveness", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}
