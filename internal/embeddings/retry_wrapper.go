package embeddings

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openclass/nexusai-gateway/internal/retry"
)

// RetryableEmbeddingService wraps an EmbeddingService with retry logic
type RetryableEmbeddingService struct {
	service EmbeddingService
	retrier *retry.Retrier
}

// NewRetryableEmbeddingService creates a new retryable embedding service
func NewRetryableEmbeddingService(service EmbeddingService, config *retry.Config) EmbeddingService {
	if config == nil {
		config = defaultEmbeddingRetryConfig()
	}
	return &RetryableEmbeddingService{
		service: service,
		retrier: retry.New(config),
	}
}

func defaultEmbeddingRetryConfig() *retry.Config {
	return &retry.Config{
		MaxAttempts:     3,
		InitialDelay:    500 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.2,
		RetryIf:         isRetryableEmbeddingError,
	}
}

// isRetryableEmbeddingError determines if an embedding error should be retried
func isRetryableEmbeddingError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"i/o timeout",
		"eof",
		"429",
		"500",
		"502",
		"503",
		"504",
		"rate limit",
		"quota exceeded",
		"overloaded",
		"temporarily unavailable",
		"server_error",
	}

	nonRetryablePatterns := []string{
		"invalid api key",
		"unauthorized",
		"forbidden",
		"insufficient_quota",
		"invalid_request_error",
		"model not found",
		"context length exceeded",
	}

	for _, pattern := range nonRetryablePatterns {
		if strings.Contains(errStr, pattern) {
			return false
		}
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	type temporary interface {
		Temporary() bool
	}
	if te, ok := err.(temporary); ok {
		return te.Temporary()
	}

	return false
}

// Generate generates an embedding with retry logic
func (r *RetryableEmbeddingService) Generate(ctx context.Context, text string) ([]float64, error) {
	var embedding []float64

	result := r.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		embedding, err = r.service.Generate(ctx, text)
		return err
	})

	if result.Err != nil {
		return nil, fmt.Errorf("failed to generate embedding after %d attempts: %w", result.Attempts, result.Err)
	}
	return embedding, nil
}

// GenerateBatch generates multiple embeddings with retry logic
func (r *RetryableEmbeddingService) GenerateBatch(ctx context.Context, texts []string) ([][]float64, error) {
	var embeddings [][]float64

	batchConfig := &retry.Config{
		MaxAttempts:     3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.3,
		RetryIf:         isRetryableEmbeddingError,
	}

	batchRetrier := retry.New(batchConfig)
	result := batchRetrier.Do(ctx, func(ctx context.Context) error {
		var err error
		embeddings, err = r.service.GenerateBatch(ctx, texts)
		return err
	})

	if result.Err != nil {
		return nil, fmt.Errorf("failed to generate batch embeddings after %d attempts: %w", result.Attempts, result.Err)
	}
	return embeddings, nil
}

// HealthCheck performs health check with retry logic
func (r *RetryableEmbeddingService) HealthCheck(ctx context.Context) error {
	healthConfig := &retry.Config{
		MaxAttempts:     5,
		InitialDelay:    200 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		Multiplier:      1.5,
		RandomizeFactor: 0.1,
		RetryIf:         isRetryableEmbeddingError,
	}

	healthRetrier := retry.New(healthConfig)
	result := healthRetrier.Do(ctx, func(ctx context.Context) error {
		return r.service.HealthCheck(ctx)
	})

	if result.Err != nil {
		return fmt.Errorf("health check failed after %d attempts: %w", result.Attempts, result.Err)
	}
	return nil
}

// GetDimensions returns the embedding dimension (no retry needed)
func (r *RetryableEmbeddingService) GetDimensions() int {
	return r.service.GetDimensions()
}

// RateLimitAwareRetryConfig creates a retry config that respects rate limits
func RateLimitAwareRetryConfig() *retry.Config {
	return &retry.Config{
		MaxAttempts:     5,
		InitialDelay:    1 * time.Second,
		MaxDelay:        60 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.5,
		RetryIf: func(err error) bool {
			if err == nil {
				return false
			}
			errStr := strings.ToLower(err.Error())
			return strings.Contains(errStr, "429") ||
				strings.Contains(errStr, "rate limit") ||
				strings.Contains(errStr, "quota exceeded")
		},
	}
}
