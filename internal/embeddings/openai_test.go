package embeddings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewRateLimiter(t *testing.T) {
	maxTokens := 10
	refillRate := time.Second

	rl := NewRateLimiter(maxTokens, refillRate)

	assert.Equal(t, maxTokens, rl.maxTokens)
	assert.Equal(t, maxTokens, rl.tokens)
	assert.Equal(t, refillRate, rl.refillRate)
	assert.False(t, rl.lastRefill.IsZero())
}

func TestRateLimiter_Allow(t *testing.T) {
	t.Run("allow when tokens available", func(t *testing.T) {
		rl := NewRateLimiter(5, time.Second)

		for i := 0; i < 5; i++ {
			assert.True(t, rl.Allow(), "request %d should be allowed", i+1)
		}

		assert.False(t, rl.Allow(), "6th request should be denied")
	})

	t.Run("refill tokens over time", func(t *testing.T) {
		rl := NewRateLimiter(2, time.Millisecond*100)

		assert.True(t, rl.Allow())
		assert.True(t, rl.Allow())
		assert.False(t, rl.Allow())

		time.Sleep(time.Millisecond * 250)

		assert.True(t, rl.Allow())
		assert.True(t, rl.Allow())
		assert.False(t, rl.Allow())
	})
}

func TestRateLimiter_Wait(t *testing.T) {
	t.Run("wait until token available", func(t *testing.T) {
		rl := NewRateLimiter(1, time.Millisecond*50)

		assert.True(t, rl.Allow())

		ctx := context.Background()
		start := time.Now()
		err := rl.Wait(ctx)
		duration := time.Since(start)

		assert.NoError(t, err)
		assert.True(t, duration >= time.Millisecond*40)
	})

	t.Run("context cancellation", func(t *testing.T) {
		rl := NewRateLimiter(1, time.Second*10)

		assert.True(t, rl.Allow())

		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*10)
		defer cancel()

		err := rl.Wait(ctx)
		assert.Error(t, err)
		assert.Equal(t, context.DeadlineExceeded, err)
	})
}

func newTestService(t *testing.T, model string) *OpenAIService {
	t.Helper()
	cfg := &OpenAIConfig{
		APIKey:         "test-key",
		Model:          model,
		RequestsPerMin: 3600,
		CacheSize:      1000,
		CacheTTL:       time.Hour,
	}
	svc, err := NewOpenAIService(cfg, nil)
	if err != nil {
		t.Fatalf("NewOpenAIService: %v", err)
	}
	return svc
}

func TestNewOpenAIService(t *testing.T) {
	svc := newTestService(t, "text-embedding-ada-002")

	assert.NotNil(t, svc.client)
	assert.NotNil(t, svc.cache)
	assert.NotNil(t, svc.rateLimiter)
}

func TestOpenAIService_GetDimensions(t *testing.T) {
	tests := []struct {
		name     string
		model    string
		expected int
	}{
		{"ada-002", "text-embedding-ada-002", 1536},
		{"3-small", "text-embedding-3-small", 1536},
		{"3-large", "text-embedding-3-large", 3072},
		{"unknown", "unknown-model", 1536},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, tt.model)
			assert.Equal(t, tt.expected, svc.GetDimensions())
		})
	}
}

func TestOpenAIService_CacheRoundTrip(t *testing.T) {
	svc := newTestService(t, "text-embedding-ada-002")

	text := "test text"
	embedding := []float64{0.1, 0.2, 0.3}

	_, found := svc.cache.Get(text)
	assert.False(t, found)

	svc.cache.Set(text, embedding)

	cached, found := svc.cache.Get(text)
	assert.True(t, found)
	assert.Equal(t, embedding, cached)

	cached[0] = 999.0
	cached2, _ := svc.cache.Get(text)
	assert.Equal(t, 0.1, cached2[0])
}

func TestOpenAIService_GenerateInputValidation(t *testing.T) {
	svc := newTestService(t, "text-embedding-ada-002")

	t.Run("empty text", func(t *testing.T) {
		_, err := svc.Generate(context.Background(), "")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "text cannot be empty")
	})

	t.Run("context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := svc.Generate(ctx, "test text")
		assert.Error(t, err)
	})
}

func TestOpenAIService_GenerateBatchInputValidation(t *testing.T) {
	svc := newTestService(t, "text-embedding-ada-002")

	_, err := svc.GenerateBatch(context.Background(), []string{})
	assert.NoError(t, err)
}

func TestOpenAIService_CacheHitAvoidsAPICall(t *testing.T) {
	svc := newTestService(t, "text-embedding-ada-002")

	text := "cached text"
	expected := []float64{0.1, 0.2, 0.3}
	svc.cache.Set(text, expected)

	embedding, err := svc.Generate(context.Background(), text)
	assert.NoError(t, err)
	assert.Equal(t, expected, embedding)
}
