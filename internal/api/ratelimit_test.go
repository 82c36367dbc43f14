package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllowsUpToBudget(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		require.True(t, rl.Allow("key-a"))
	}
	require.False(t, rl.Allow("key-a"))
}

func TestRateLimiterTracksKeysIndependently(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	require.True(t, rl.Allow("key-a"))
	require.True(t, rl.Allow("key-b"))
	require.False(t, rl.Allow("key-a"))
}

func TestRateLimiterMiddlewareSetsHeadersAndRejects(t *testing.T) {
	rl := NewRateLimiter(1, 30*time.Second)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req = req.WithContext(context.WithValue(req.Context(), contextKeyAPIKey, "key-a"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "30", rec.Header().Get("X-RateLimit-Window"))

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusTooManyRequests, rec2.Code)
	require.Equal(t, "30", rec2.Header().Get("Retry-After"))
}
