package server

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitConfig bounds request throughput. GlobalRPS applies to the whole
// process; ClientLimit requests per ClientWindow applies to each client
// address. When Redis is set the per-client counters live there so replicas
// share one budget.
type RateLimitConfig struct {
	GlobalRPS    float64
	GlobalBurst  int
	ClientLimit  int
	ClientWindow time.Duration
	// TrustForwardedHeaders keys clients by X-Forwarded-For when running
	// behind a proxy.
	TrustForwardedHeaders bool
	Redis                 redis.UniversalClient
	RedisPrefix           string
	RedisTimeout          time.Duration
}

const defaultRateLimitPrefix = "newsroom:ratelimit:"

type rateLimiter struct {
	global        *tokenBucket
	clientLimit   int
	clientWindow  time.Duration
	clientMu      sync.Mutex
	clientBuckets map[string]*ipLimiter
	store         tokenStore
	prefix        string
	timeout       time.Duration
	trustForward  bool
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		clientLimit:   cfg.ClientLimit,
		clientWindow:  cfg.ClientWindow,
		clientBuckets: make(map[string]*ipLimiter),
		prefix:        cfg.RedisPrefix,
		timeout:       cfg.RedisTimeout,
		trustForward:  cfg.TrustForwardedHeaders,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.clientLimit < 0 {
		rl.clientLimit = 0
	}
	if rl.clientWindow <= 0 {
		rl.clientWindow = time.Minute
	}
	if rl.prefix == "" {
		rl.prefix = defaultRateLimitPrefix
	}
	if rl.timeout <= 0 {
		rl.timeout = 2 * time.Second
	}
	if cfg.Redis != nil && rl.clientLimit > 0 {
		rl.store = newRedisStore(cfg.Redis)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowClient charges one request against key's window.
func (r *rateLimiter) AllowClient(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.clientLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		storeCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return r.store.Allow(storeCtx, r.prefix+key, r.clientLimit, r.clientWindow)
	}

	r.clientMu.Lock()
	limiter, exists := r.clientBuckets[key]
	if !exists {
		rate := float64(r.clientLimit) / r.clientWindow.Seconds()
		limiter = &ipLimiter{bucket: newTokenBucket(rate, r.clientLimit)}
		r.clientBuckets[key] = limiter
	}
	limiter.lastSeen = time.Now()
	r.cleanupLocked()
	r.clientMu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0, nil
	}
	return false, limiter.bucket.wait(), nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.clientBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.clientWindow)
	for key, limiter := range r.clientBuckets {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.clientBuckets, key)
		}
	}
}

// rateLimitMiddleware guards the /api/ routes. A failing Redis store lets the
// request through rather than turning a cache outage into an API outage.
func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		allowed, retryAfter, err := rl.AllowClient(r.Context(), clientIP(r, rl.trustForward))
		if err != nil {
			if logger != nil {
				logger.Warn("rate limit store unavailable", "error", err)
			}
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			if retryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			}
			writeMiddlewareError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// wait estimates how long until the next token is available.
func (tb *tokenBucket) wait() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	missing := 1 - tb.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / tb.rate * float64(time.Second))
}
