package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"merchantd/taler"
)

// RateLimitConfig caps the request rate each client may spend on the public
// endpoints.
type RateLimitConfig struct {
	RequestsPerMinute float64
	Burst             int
}

// RateLimiter hands every client its own token bucket, keyed by the
// forwarded address when a proxy fronts this process. Idle buckets are
// dropped after a few minutes to keep the map bounded.
type RateLimiter struct {
	cfg      RateLimitConfig
	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 600
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 50
	}
	return &RateLimiter{cfg: cfg, visitors: make(map[string]*rate.Limiter)}
}

// Middleware rejects clients that exhausted their bucket with 429 so
// wallets retry later instead of hammering the pay endpoints.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.obtain(clientID(r)).Allow() {
			writeTalerError(w, taler.NewError(taler.CodeRateLimited, http.StatusTooManyRequests, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) obtain(id string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	limiter, ok := rl.visitors[id]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerMinute/60.0), rl.cfg.Burst)
		rl.visitors[id] = limiter
		go func() {
			time.Sleep(5 * time.Minute)
			rl.mu.Lock()
			delete(rl.visitors, id)
			rl.mu.Unlock()
		}()
	}
	return limiter
}

func clientID(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.IndexByte(forwarded, ','); idx > 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return strings.TrimSpace(forwarded)
	}
	return r.RemoteAddr
}
