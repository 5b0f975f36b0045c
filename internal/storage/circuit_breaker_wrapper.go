package storage

import (
	"context"
	"time"

	"github.com/openclass/nexusai-gateway/internal/circuitbreaker"
	"github.com/openclass/nexusai-gateway/internal/domain"
	"github.com/openclass/nexusai-gateway/internal/logging"
)

// CircuitBreakerGateway wraps a VectorGateway so a flapping Qdrant cluster
// trips open instead of hanging every in-flight request (§4.10).
type CircuitBreakerGateway struct {
	gateway *VectorGateway
	cb      *circuitbreaker.CircuitBreaker
}

func NewCircuitBreakerGateway(gateway *VectorGateway, cfg *circuitbreaker.Config) *CircuitBreakerGateway {
	if cfg == nil {
		cfg = &circuitbreaker.Config{
			FailureThreshold:      5,
			SuccessThreshold:      2,
			Timeout:               30 * time.Second,
			MaxConcurrentRequests: 8,
			OnStateChange: func(from, to circuitbreaker.State) {
				logging.VectorLogger.Warn("vector gateway circuit breaker state change",
					"from", from.String(), "to", to.String())
			},
		}
	}

	return &CircuitBreakerGateway{gateway: gateway, cb: circuitbreaker.New(cfg)}
}

func (g *CircuitBreakerGateway) Initialize(ctx context.Context) error {
	return g.cb.Execute(ctx, func(ctx context.Context) error {
		return g.gateway.Initialize(ctx)
	})
}

// Search falls back to an empty result set (confidence 0, §4.6 fallback
// path) rather than failing the whole request when the breaker is open.
func (g *CircuitBreakerGateway) Search(ctx context.Context, subject string, grade int, embedding []float32, topK int) ([]SearchResult, error) {
	var result []SearchResult
	err := g.cb.ExecuteWithFallback(ctx,
		func(ctx context.Context) error {
			var err error
			result, err = g.gateway.Search(ctx, subject, grade, embedding, topK)
			return err
		},
		func(ctx context.Context, cause error) error {
			result = nil
			return nil
		},
	)
	return result, err
}

func (g *CircuitBreakerGateway) InstallStaged(ctx context.Context, subject string, grade int, version string, chunks []domain.Chunk) error {
	return g.cb.Execute(ctx, func(ctx context.Context) error {
		return g.gateway.InstallStaged(ctx, subject, grade, version, chunks)
	})
}

func (g *CircuitBreakerGateway) Activate(ctx context.Context, subject string, grade int, version string) error {
	return g.cb.Execute(ctx, func(ctx context.Context) error {
		return g.gateway.Activate(ctx, subject, grade, version)
	})
}

func (g *CircuitBreakerGateway) Prune(ctx context.Context, subject string, grade int, version string) error {
	return g.cb.Execute(ctx, func(ctx context.Context) error {
		return g.gateway.Prune(ctx, subject, grade, version)
	})
}

func (g *CircuitBreakerGateway) HealthCheck(ctx context.Context) error {
	return g.gateway.HealthCheck(ctx)
}

func (g *CircuitBreakerGateway) Close() error {
	return g.gateway.Close()
}
