package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/openclass/nexusai-gateway/internal/domain"
	"github.com/openclass/nexusai-gateway/internal/retry"
)

// RetryableGateway wraps a VectorGateway with retry-with-backoff for the
// write path (install/activate/prune), where a transient Qdrant hiccup
// should not fail a VKP rollout outright (§4.8).
type RetryableGateway struct {
	gateway *VectorGateway
	retrier *retry.Retrier
}

func NewRetryableGateway(gateway *VectorGateway, cfg *retry.Config) *RetryableGateway {
	if cfg == nil {
		cfg = defaultGatewayRetryConfig()
	}
	return &RetryableGateway{gateway: gateway, retrier: retry.New(cfg)}
}

func defaultGatewayRetryConfig() *retry.Config {
	return &retry.Config{
		MaxAttempts:     3,
		InitialDelay:    200 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.1,
		RetryIf:         retry.DefaultRetryIf,
	}
}

func (r *RetryableGateway) Initialize(ctx context.Context) error {
	result := r.retrier.Do(ctx, func(ctx context.Context) error {
		return r.gateway.Initialize(ctx)
	})
	if result.Err != nil {
		return fmt.Errorf("initialize vector gateway after %d attempts: %w", result.Attempts, result.Err)
	}
	return nil
}

func (r *RetryableGateway) InstallStaged(ctx context.Context, subject string, grade int, version string, chunks []domain.Chunk) error {
	result := r.retrier.Do(ctx, func(ctx context.Context) error {
		return r.gateway.InstallStaged(ctx, subject, grade, version, chunks)
	})
	if result.Err != nil {
		return fmt.Errorf("install staged vkp after %d attempts: %w", result.Attempts, result.Err)
	}
	return nil
}

func (r *RetryableGateway) Activate(ctx context.Context, subject string, grade int, version string) error {
	result := r.retrier.Do(ctx, func(ctx context.Context) error {
		return r.gateway.Activate(ctx, subject, grade, version)
	})
	if result.Err != nil {
		return fmt.Errorf("activate vkp after %d attempts: %w", result.Attempts, result.Err)
	}
	return nil
}

func (r *RetryableGateway) Prune(ctx context.Context, subject string, grade int, version string) error {
	result := r.retrier.Do(ctx, func(ctx context.Context) error {
		return r.gateway.Prune(ctx, subject, grade, version)
	})
	if result.Err != nil {
		return fmt.Errorf("prune vkp collection after %d attempts: %w", result.Attempts, result.Err)
	}
	return nil
}

func (r *RetryableGateway) Search(ctx context.Context, subject string, grade int, embedding []float32, topK int) ([]SearchResult, error) {
	var out []SearchResult
	result := r.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.gateway.Search(ctx, subject, grade, embedding, topK)
		return err
	})
	if result.Err != nil {
		return nil, fmt.Errorf("search after %d attempts: %w", result.Attempts, result.Err)
	}
	return out, nil
}
