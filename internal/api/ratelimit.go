package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per caller. Idle buckets are dropped
// by the janitor after ttl.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*bucket
	rate    rate.Limit
	burst   int
	ttl     time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

func NewRateLimiter(rps float64, burst int, ttl time.Duration) *RateLimiter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RateLimiter{
		entries: make(map[string]*bucket, 1024),
		rate:    rate.Limit(rps),
		burst:   burst,
		ttl:     ttl,
	}
}

// Allow reports whether key may make a request now.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now().UnixNano()

	rl.mu.Lock()
	b, ok := rl.entries[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.entries[key] = b
	}
	rl.mu.Unlock()

	b.lastSeen.Store(now)
	return b.limiter.Allow()
}

// StartJanitor evicts idle buckets every interval until ctx is done.
func (rl *RateLimiter) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.cleanup()
			}
		}
	}()
}

func (rl *RateLimiter) cleanup() {
	cut := time.Now().Add(-rl.ttl).UnixNano()

	rl.mu.Lock()
	for k, b := range rl.entries {
		if b.lastSeen.Load() < cut {
			delete(rl.entries, k)
		}
	}
	rl.mu.Unlock()
}

// Middleware rejects callers over their budget with 429. Requests are keyed
// by identity when present, else by client IP.
func (rl *RateLimiter) Middleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdentityHeader)
			if key == "" {
				key = clientIP(r)
			}
			if !rl.Allow(key) {
				// Expected under load; keep it at debug so it cannot flood logs.
				log.Debug("rate limited", zap.String("key", key), zap.String("path", r.URL.Path))
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
