package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openclass/nexusai-gateway/internal/domain"
	"github.com/openclass/nexusai-gateway/internal/ratelimit"
)

// RateLimitMiddleware throttles the REST surface per §4.5/§4.8's bounded-
// concurrency intent extended to HTTP: a login-brute-force or chat-submit
// storm must not starve the dispatcher before a request even reaches it.
// Redis-backed by default, falling back to an in-memory sliding window
// when Redis is unreachable.
type RateLimitMiddleware struct {
	config          *ratelimit.Config
	redisLimiter    *ratelimit.RedisLimiter
	fallbackLimiter *ratelimit.SlidingWindow
	monitor         *ratelimit.Monitor
}

type rateLimitContext struct {
	Key        string
	IP         string
	UserAgent  string
	Endpoint   string
	Method     string
	IsInternal bool
	UserID     string
	SessionID  string
}

type rateLimitResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
	Limit      int    `json:"limit"`
	Remaining  int    `json:"remaining"`
	ResetTime  int64  `json:"reset_time"`
}

// NewRateLimitMiddleware builds the middleware against cfg, falling back to
// the in-memory limiter if Redis is unreachable at construction time.
func NewRateLimitMiddleware(cfg *ratelimit.Config) (*RateLimitMiddleware, error) {
	if cfg == nil {
		cfg = ratelimit.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limit config: %w", err)
	}

	redisLimiter, err := ratelimit.NewRedisLimiter(cfg)
	if err != nil {
		redisLimiter = nil
	}

	fallbackLimiter := ratelimit.NewSlidingWindow(cfg)

	var limiter ratelimit.RateLimiter = fallbackLimiter
	if redisLimiter != nil {
		limiter = redisLimiter
	}

	return &RateLimitMiddleware{
		config:          cfg,
		redisLimiter:    redisLimiter,
		fallbackLimiter: fallbackLimiter,
		monitor:         ratelimit.NewMonitor(cfg, limiter),
	}, nil
}

// NewDefaultRateLimitMiddleware wires the gateway's own endpoint limits:
// tight per-IP limits on login/register, per-session limits on chat submit,
// everything else defaulted.
func NewDefaultRateLimitMiddleware(redisAddr string) (*RateLimitMiddleware, error) {
	cfg := ratelimit.DefaultConfig()
	if redisAddr != "" {
		cfg.RedisAddr = redisAddr
	}
	cfg.EndpointLimits = map[string]*ratelimit.EndpointLimit{
		"/api/v1/auth/login": {
			Limit:        10,
			Window:       time.Minute,
			Burst:        2,
			Algorithm:    ratelimit.AlgorithmSlidingWindow,
			Scope:        ratelimit.ScopePerIP,
			ResponseCode: http.StatusTooManyRequests,
			ResponseBody: `{"error":"too many login attempts","retry_after":60}`,
		},
		"/api/v1/auth/register": {
			Limit:        5,
			Window:       time.Minute,
			Burst:        1,
			Algorithm:    ratelimit.AlgorithmSlidingWindow,
			Scope:        ratelimit.ScopePerIP,
			ResponseCode: http.StatusTooManyRequests,
			ResponseBody: `{"error":"too many registration attempts","retry_after":60}`,
		},
		"/api/v1/chat": {
			Limit:          30,
			Window:         time.Minute,
			Burst:          5,
			Algorithm:      ratelimit.AlgorithmSlidingWindow,
			Scope:          ratelimit.ScopePerSession,
			IncludeHeaders: true,
		},
		"/health": {
			Limit:     1000,
			Window:    time.Minute,
			Burst:     100,
			Algorithm: ratelimit.AlgorithmFixedWindow,
			Scope:     ratelimit.ScopeGlobal,
			SkipPaths: []string{"/health", "/liveness", "/readiness", "/ping"},
		},
	}
	return NewRateLimitMiddleware(cfg)
}

// Handler returns the rate limiting HTTP middleware.
func (rl *RateLimitMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rctx := rl.buildContext(r)

			if rl.config.ShouldBypass(rctx.IP, rctx.UserAgent, rctx.IsInternal) {
				next.ServeHTTP(w, r)
				return
			}

			limit := rl.config.GetEndpointLimit(rctx.Endpoint)
			if rl.shouldSkipPath(r.URL.Path, r.Method, limit) {
				next.ServeHTTP(w, r)
				return
			}

			key := rl.buildKey(rctx, limit)
			result, err := rl.checkRateLimit(r.Context(), key, limit)
			if err != nil {
				rl.monitor.RecordError("check_failed", err)
				next.ServeHTTP(w, r)
				return
			}

			rl.monitor.RecordRequest(rctx.Endpoint, key, result, time.Since(start))

			if !result.Allowed {
				rl.handleRateLimited(w, result, limit)
				return
			}
			if limit.IncludeHeaders {
				rl.addRateLimitHeaders(w, result)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimitMiddleware) buildContext(r *http.Request) *rateLimitContext {
	rctx := &rateLimitContext{
		Endpoint:  rl.normalizeEndpoint(r.URL.Path),
		Method:    r.Method,
		UserAgent: r.Header.Get("User-Agent"),
	}
	rctx.IP = rl.extractIP(r)
	if user, ok := r.Context().Value(UserContextKey).(*domain.User); ok && user != nil {
		rctx.UserID = user.ID
	}
	if sess, ok := r.Header["X-Session-ID"]; ok && len(sess) > 0 {
		rctx.SessionID = sess[0]
	}
	return rctx
}

func (rl *RateLimitMiddleware) extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ips := strings.Split(xff, ","); len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func (rl *RateLimitMiddleware) normalizeEndpoint(path string) string {
	if idx := strings.Index(path, "?"); idx != -1 {
		path = path[:idx]
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = path[:len(path)-1]
	}
	return path
}

func (rl *RateLimitMiddleware) buildKey(rctx *rateLimitContext, limit *ratelimit.EndpointLimit) string {
	parts := []string{rctx.Endpoint}
	switch limit.Scope {
	case ratelimit.ScopeGlobal:
		parts = append(parts, "global")
	case ratelimit.ScopePerUser:
		if rctx.UserID != "" {
			parts = append(parts, "user", rctx.UserID)
		} else {
			parts = append(parts, "ip", rctx.IP)
		}
	case ratelimit.ScopePerSession:
		if rctx.SessionID != "" {
			parts = append(parts, "session", rctx.SessionID)
		} else {
			parts = append(parts, "ip", rctx.IP)
		}
	case ratelimit.ScopeCustom:
		if limit.CustomKey != "" {
			parts = append(parts, "custom", limit.CustomKey)
		} else {
			parts = append(parts, "ip", rctx.IP)
		}
	default:
		parts = append(parts, "ip", rctx.IP)
	}
	return strings.Join(parts, ":")
}

func (rl *RateLimitMiddleware) shouldSkipPath(path, method string, limit *ratelimit.EndpointLimit) bool {
	for _, skip := range limit.SkipPaths {
		if path == skip {
			return true
		}
	}
	for _, skip := range limit.SkipMethods {
		if method == skip {
			return true
		}
	}
	return false
}

func (rl *RateLimitMiddleware) checkRateLimit(ctx context.Context, key string, limit *ratelimit.EndpointLimit) (*ratelimit.LimitResult, error) {
	if rl.redisLimiter != nil {
		result, err := rl.redisLimiter.Check(ctx, key, limit)
		if err == nil {
			return result, nil
		}
		rl.monitor.RecordError("redis", err)
	}
	if rl.fallbackLimiter != nil {
		return rl.fallbackLimiter.Check(ctx, key, limit)
	}
	return nil, errors.New("no rate limiter available")
}

func (rl *RateLimitMiddleware) handleRateLimited(w http.ResponseWriter, result *ratelimit.LimitResult, limit *ratelimit.EndpointLimit) {
	code := limit.ResponseCode
	if code == 0 {
		code = http.StatusTooManyRequests
	}
	rl.addRateLimitHeaders(w, result)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if limit.ResponseBody != "" {
		_, _ = w.Write([]byte(limit.ResponseBody))
		return
	}
	resp := rateLimitResponse{
		Error:      "rate_limit_exceeded",
		Message:    "rate limit exceeded, try again later",
		RetryAfter: int(result.RetryAfter.Seconds()),
		Limit:      result.Limit,
		Remaining:  result.Remaining,
		ResetTime:  result.ResetTime.Unix(),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded"}`))
	}
}

func (rl *RateLimitMiddleware) addRateLimitHeaders(w http.ResponseWriter, result *ratelimit.LimitResult) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))
	if result.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
	}
}

// Close releases the limiter's Redis connection and monitor goroutines.
func (rl *RateLimitMiddleware) Close() error {
	var err error
	if rl.monitor != nil {
		if closeErr := rl.monitor.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if rl.redisLimiter != nil {
		if closeErr := rl.redisLimiter.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if rl.fallbackLimiter != nil {
		if closeErr := rl.fallbackLimiter.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}
