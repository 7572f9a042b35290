package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tiace/internal/config"
	"tiace/pkg/logger"
)

// Limiter decides whether caller may make another request in the window
type Limiter interface {
	CheckRateLimit(ctx context.Context, caller string, limit int64, window time.Duration) (allowed bool, remaining int64, reset time.Time, err error)
}

// LocalLimiter is an in-process token bucket per caller, used when no
// shared Redis is configured
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLocalLimiter creates an empty LocalLimiter
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{buckets: make(map[string]*rate.Limiter)}
}

// CheckRateLimit implements Limiter
func (l *LocalLimiter) CheckRateLimit(_ context.Context, caller string, limit int64, window time.Duration) (bool, int64, time.Time, error) {
	if limit <= 0 {
		return true, 0, time.Now(), nil
	}
	l.mu.Lock()
	b, ok := l.buckets[caller]
	if !ok {
		b = rate.NewLimiter(rate.Every(window/time.Duration(limit)), int(limit))
		l.buckets[caller] = b
	}
	l.mu.Unlock()

	now := time.Now()
	allowed := b.AllowN(now, 1)
	tokens := b.TokensAt(now)
	remaining := int64(tokens)
	if remaining < 0 {
		remaining = 0
	}
	reset := now
	if tokens < 1 {
		reset = now.Add(time.Duration((1 - tokens) * float64(window) / float64(limit)))
	}
	return allowed, remaining, reset, nil
}

// RateLimiter returns middleware that limits requests per caller and minute
func RateLimiter(lim Limiter, cfg config.RateLimitConfig, log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			allowed, remaining, resetTime, err := lim.CheckRateLimit(
				r.Context(),
				clientID(r),
				int64(cfg.RequestsPerMinute),
				time.Minute,
			)
			if err != nil {
				// fail open
				log.Warn().Err(err).Msg("rate limit check failed")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.RequestsPerMinute))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))

			if !allowed {
				retry := int64(time.Until(resetTime).Seconds())
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
				deny(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientID keys the limit by tenant and caller, falling back to the address
func clientID(r *http.Request) string {
	if t, ok := Tenant(r.Context()); ok {
		return fmt.Sprintf("tenant:%s:%s", t.TenantID, t.Caller)
	}

	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		ip = r.Header.Get("X-Real-IP")
	}
	if ip == "" {
		ip = r.RemoteAddr
	}
	return fmt.Sprintf("ip:%s", ip)
}
