// Package embeddings implements the embedding provider contract (§6):
// generation, batching, and health-checking against a configured backend.
package embeddings

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultEmbeddingModel is the default OpenAI embedding model
const DefaultEmbeddingModel = "text-embedding-ada-002"

// OpenAIService implements EmbeddingService against OpenAI's embeddings
// API, via the go-openai client, with an LRU/TTL cache and rate limiter
// in front of every call.
type OpenAIService struct {
	model       string
	client      *openai.Client
	logger      *slog.Logger
	cache       *EmbeddingCache
	metrics     *ServiceMetrics
	rateLimiter *RateLimiter
}

// OpenAIConfig contains configuration for the OpenAI embeddings service
type OpenAIConfig struct {
	APIKey         string        `json:"api_key"`
	BaseURL        string        `json:"base_url"`
	Model          string        `json:"model"`
	Timeout        time.Duration `json:"timeout"`
	MaxRetries     int           `json:"max_retries"`
	RetryDelay     time.Duration `json:"retry_delay"`
	CacheSize      int           `json:"cache_size"`
	CacheTTL       time.Duration `json:"cache_ttl"`
	RequestsPerMin int           `json:"requests_per_min"`
}

// DefaultOpenAIConfig returns sensible defaults for OpenAI embeddings
func DefaultOpenAIConfig() *OpenAIConfig {
	return &OpenAIConfig{
		Model:          DefaultEmbeddingModel,
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		RetryDelay:     1 * time.Second,
		CacheSize:      1000,
		CacheTTL:       24 * time.Hour,
		RequestsPerMin: 3000, // OpenAI default tier limit
	}
}

// NewOpenAIService creates a new OpenAI embeddings service
func NewOpenAIService(config *OpenAIConfig, logger *slog.Logger) (*OpenAIService, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	if logger == nil {
		logger = slog.Default()
	}
	if config.Model == "" {
		config.Model = DefaultOpenAIConfig().Model
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIService{
		model:       config.Model,
		client:      openai.NewClientWithConfig(clientConfig),
		logger:      logger,
		cache:       NewEmbeddingCache(config.CacheSize, config.CacheTTL),
		metrics:     NewServiceMetrics(),
		rateLimiter: NewRateLimiter(config.RequestsPerMin, time.Minute),
	}, nil
}

// Generate creates embeddings for the given text
func (s *OpenAIService) Generate(ctx context.Context, text string) ([]float64, error) {
	start := time.Now()
	defer s.updateMetrics("generate", start)

	if strings.TrimSpace(text) == "" {
		s.incrementErrorCount("generate")
		return nil, fmt.Errorf("text cannot be empty")
	}

	if cached, found := s.cache.Get(text); found {
		s.incrementCacheHit()
		return cached, nil
	}
	s.incrementCacheMiss()

	if err := s.rateLimiter.Wait(ctx); err != nil {
		s.incrementErrorCount("generate")
		return nil, fmt.Errorf("rate limiting error: %w", err)
	}

	embeddings, err := s.generateWithRetry(ctx, []string{text})
	if err != nil {
		s.incrementErrorCount("generate")
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}

	s.cache.Set(text, embeddings[0])

	s.logger.Debug("embeddings generated successfully",
		slog.Int("dimensions", len(embeddings[0])),
		slog.Int("text_length", len(text)))

	return embeddings[0], nil
}

// GenerateBatch creates embeddings for multiple texts efficiently
func (s *OpenAIService) GenerateBatch(ctx context.Context, texts []string) ([][]float64, error) {
	start := time.Now()
	defer s.updateMetrics("generate_batch", start)

	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	var uncachedTexts []string
	var uncachedIndices []int
	results := make([][]float64, len(texts))

	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			s.incrementErrorCount("generate_batch")
			return nil, fmt.Errorf("text at index %d cannot be empty", i)
		}

		if cached, found := s.cache.Get(text); found {
			results[i] = cached
			s.incrementCacheHit()
		} else {
			uncachedTexts = append(uncachedTexts, text)
			uncachedIndices = append(uncachedIndices, i)
			s.incrementCacheMiss()
		}
	}

	if len(uncachedTexts) == 0 {
		return results, nil
	}

	if err := s.rateLimiter.Wait(ctx); err != nil {
		s.incrementErrorCount("generate_batch")
		return nil, fmt.Errorf("rate limiting error: %w", err)
	}

	embeddings, err := s.generateWithRetry(ctx, uncachedTexts)
	if err != nil {
		s.incrementErrorCount("generate_batch")
		return nil, fmt.Errorf("failed to generate batch embeddings: %w", err)
	}

	for i, embedding := range embeddings {
		originalIndex := uncachedIndices[i]
		results[originalIndex] = embedding
		s.cache.Set(uncachedTexts[i], embedding)
	}

	s.logger.Debug("batch embeddings generated successfully",
		slog.Int("total_texts", len(texts)),
		slog.Int("cached", len(texts)-len(uncachedTexts)),
		slog.Int("generated", len(uncachedTexts)))

	return results, nil
}

// GetDimensions returns the embedding dimensions for the configured model
func (s *OpenAIService) GetDimensions() int {
	switch s.model {
	case "text-embedding-3-large":
		return 3072
	default:
		return 1536
	}
}

// HealthCheck verifies the service is working properly
func (s *OpenAIService) HealthCheck(ctx context.Context) error {
	_, err := s.Generate(ctx, "health check test")
	return err
}

// GetMetrics returns current service metrics
func (s *OpenAIService) GetMetrics() *ServiceMetrics {
	return s.metrics
}

func (s *OpenAIService) generateWithRetry(ctx context.Context, texts []string) ([][]float64, error) {
	var lastErr error

	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<uint(attempt)) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(s.model),
		})
		if err == nil && len(resp.Data) == len(texts) {
			embeddings := make([][]float64, len(resp.Data))
			for i, d := range resp.Data {
				embeddings[i] = toFloat64(d.Embedding)
			}
			return embeddings, nil
		}

		if err == nil {
			err = fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
		}
		lastErr = err
		s.logger.Warn("embedding generation attempt failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}

	return nil, fmt.Errorf("all retry attempts failed, last error: %w", lastErr)
}

func toFloat64(embedding []float32) []float64 {
	out := make([]float64, len(embedding))
	for i, v := range embedding {
		out[i] = float64(v)
	}
	return out
}

func (s *OpenAIService) updateMetrics(operation string, start time.Time) {
	duration := time.Since(start)
	s.metrics.OperationCounts[operation]++

	current := s.metrics.AverageLatency[operation]
	count := s.metrics.OperationCounts[operation]
	s.metrics.AverageLatency[operation] = (current*float64(count-1) + duration.Seconds()) / float64(count)
}

func (s *OpenAIService) incrementErrorCount(operation string) {
	s.metrics.ErrorCounts[operation]++
}

func (s *OpenAIService) incrementCacheHit() {
	s.metrics.CacheHits++
}

func (s *OpenAIService) incrementCacheMiss() {
	s.metrics.CacheMisses++
}

// ServiceMetrics tracks embeddings service performance
type ServiceMetrics struct {
	OperationCounts map[string]int64   `json:"operation_counts"`
	AverageLatency  map[string]float64 `json:"average_latency"`
	ErrorCounts     map[string]int64   `json:"error_counts"`
	CacheHits       int64              `json:"cache_hits"`
	CacheMisses     int64              `json:"cache_misses"`
	LastUpdated     time.Time          `json:"last_updated"`
}

// NewServiceMetrics creates new service metrics
func NewServiceMetrics() *ServiceMetrics {
	return &ServiceMetrics{
		OperationCounts: make(map[string]int64),
		AverageLatency:  make(map[string]float64),
		ErrorCounts:     make(map[string]int64),
		LastUpdated:     time.Now(),
	}
}
