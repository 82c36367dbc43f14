package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces the per-key request budget named in spec.md §6:
// a default of 100 requests per 60s window, one bucket per API key.
// Each key's budget is a token bucket sized to refill over exactly one
// window — x/time/rate's steady refill is the continuous approximation
// of the two-counter sliding window the spec describes, rather than a
// literal current/previous bucket pair (see DESIGN.md).
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	limit  int
	window time.Duration
}

// NewRateLimiter builds a RateLimiter allowing limit requests per
// window, per key.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		window:   window,
	}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(rl.limit)/rl.window.Seconds()), rl.limit)
		rl.limiters[key] = l
	}
	return l
}

// Allow reports whether a request for key is within budget, consuming
// one token if so.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.limiterFor(key).Allow()
}

// Middleware wraps next with a 429 response, including the
// X-RateLimit-Limit, X-RateLimit-Window, and Retry-After headers the
// spec requires, whenever the caller's key has exhausted its budget.
// It must run after APIKeyAuth so the key is already in context.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := keyFromCtx(r.Context())
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		w.Header().Set("X-RateLimit-Window", strconv.Itoa(int(rl.window.Seconds())))

		if !rl.Allow(key) {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			ErrTooManyRequests(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}
