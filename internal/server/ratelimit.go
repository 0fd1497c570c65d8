package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"microtaskhub/internal/observability/metrics"
)

// RateLimitConfig throttles login attempts per client IP. A zero LoginLimit
// disables throttling. When RedisAddr is set the counters are shared through
// Redis so several gateway replicas enforce one budget.
type RateLimitConfig struct {
	LoginLimit            int
	LoginWindow           time.Duration
	TrustForwardedHeaders bool
	RedisAddr             string
	RedisPassword         string
	RedisTimeout          time.Duration
}

type rateLimiter struct {
	loginLimit   int
	loginWindow  time.Duration
	loginMu      sync.Mutex
	loginBuckets map[string]*ipLimiter
	store        tokenStore
	resolver     *clientIPResolver
	now          func() time.Time
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Ping(ctx context.Context) error
	Close() error
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		loginLimit:   cfg.LoginLimit,
		loginWindow:  cfg.LoginWindow,
		loginBuckets: make(map[string]*ipLimiter),
		resolver:     &clientIPResolver{trustForwardedHeaders: cfg.TrustForwardedHeaders},
		now:          time.Now,
	}
	if rl.loginLimit < 0 {
		rl.loginLimit = 0
	}
	if rl.loginWindow <= 0 {
		rl.loginWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.loginLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisStore(redisStoreConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Timeout:  timeout,
		})
	}
	return rl
}

func (r *rateLimiter) Enabled() bool {
	return r != nil && r.loginLimit > 0
}

// AllowLogin reports whether another login attempt from key fits the budget
// and, if not, how long the caller should wait.
func (r *rateLimiter) AllowLogin(ctx context.Context, key string) (bool, time.Duration, error) {
	if !r.Enabled() {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, fmt.Sprintf("microtaskhub:login:%s", key), r.loginLimit, r.loginWindow)
	}

	now := r.now()
	r.loginMu.Lock()
	limiter, exists := r.loginBuckets[key]
	if !exists {
		rate := float64(r.loginLimit) / r.loginWindow.Seconds()
		limiter = &ipLimiter{bucket: newTokenBucket(rate, r.loginLimit, now)}
		r.loginBuckets[key] = limiter
	}
	limiter.lastSeen = now
	r.cleanupLocked(now)
	r.loginMu.Unlock()

	if ok, wait := limiter.bucket.Allow(now); !ok {
		return false, wait, nil
	}
	return true, 0, nil
}

func (r *rateLimiter) Ping(ctx context.Context) error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Ping(ctx)
}

func (r *rateLimiter) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

func (r *rateLimiter) cleanupLocked(now time.Time) {
	if len(r.loginBuckets) == 0 {
		return
	}
	cutoff := now.Add(-2 * r.loginWindow)
	for key, limiter := range r.loginBuckets {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.loginBuckets, key)
		}
	}
}

// loginRateLimitMiddleware guards the login route. Throttled callers get 429
// with Retry-After; a failing shared store answers 503 rather than letting
// attempts through unchecked.
func loginRateLimitMiddleware(rl *rateLimiter, recorder *metrics.Recorder, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !rl.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _ := resolveClientIP(r, rl.resolver)
			allowed, retryAfter, err := rl.AllowLogin(r.Context(), ip)
			if err != nil {
				if reqLogger := loggingWithRequest(logger, rl.resolver, r); reqLogger != nil {
					reqLogger.Error("login rate limiter failure", "error", err)
				}
				writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit failure")
				return
			}
			if !allowed {
				if recorder != nil {
					recorder.ObserveLogin("throttled")
				}
				if reqLogger := loggingWithRequest(logger, rl.resolver, r); reqLogger != nil {
					reqLogger.Warn("login attempt throttled", "retry_after", retryAfter.String())
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(retryAfter)))
				writeMiddlewareError(w, http.StatusTooManyRequests, "too many login attempts")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int, now time.Time) *tokenBucket {
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
		lastCheck: now,
	}
}

// Allow takes a token if one is available. Otherwise it returns the time
// until the next token refills.
func (tb *tokenBucket) Allow(now time.Time) (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * tb.rate
		tb.lastCheck = now
	}
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		missing := 1 - tb.tokens
		return false, time.Duration(missing / tb.rate * float64(time.Second))
	}
	tb.tokens--
	return true, 0
}
