package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// contextKey is an unexported type for context keys defined in this
// package, preventing collisions with keys defined elsewhere.
type contextKey int

const (
	// contextKeyAPIKey is the context key under which the presented
	// (raw, unhashed) API key is stored after successful authentication,
	// so downstream middleware (the rate limiter) can bucket on it
	// without re-reading the header.
	contextKeyAPIKey contextKey = iota
)

// APIKeyAuth validates the X-API-Key header against a fixed set of
// SHA-256 hashes, configured once at startup from spec.md's API_KEYS
// environment variable.
type APIKeyAuth struct {
	hashes [][]byte
}

// NewAPIKeyAuth hashes each configured key once so Middleware never
// hashes on the hot path more than once per request.
func NewAPIKeyAuth(keys []string) *APIKeyAuth {
	a := &APIKeyAuth{hashes: make([][]byte, len(keys))}
	for i, k := range keys {
		sum := sha256.Sum256([]byte(k))
		a.hashes[i] = sum[:]
	}
	return a
}

// valid compares presented against every configured hash using
// subtle.ConstantTimeCompare and never short-circuits on the first
// match, so the response latency does not leak which key (if any)
// matched.
func (a *APIKeyAuth) valid(presented string) bool {
	if presented == "" {
		return false
	}
	sum := sha256.Sum256([]byte(presented))
	matched := 0
	for _, h := range a.hashes {
		matched |= subtle.ConstantTimeCompare(h, sum[:])
	}
	return matched == 1
}

// Middleware rejects requests with a missing or unrecognized
// X-API-Key header with 401, and otherwise stores the presented key in
// context for the rate limiter.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if !a.valid(key) {
			ErrUnauthorized(w)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyAPIKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// keyFromCtx retrieves the API key stored by APIKeyAuth.Middleware.
func keyFromCtx(ctx context.Context) string {
	key, _ := ctx.Value(contextKeyAPIKey).(string)
	return key
}

// hashKey returns the hex SHA-256 of key. The transcribe handler records
// it as the audit event's API-key fingerprint so the raw key is never
// written to the audit log.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// RequestLogger returns a Chi-compatible middleware that logs every
// request with method, path, status, byte count, and latency via the
// provided zap logger. Chi's middleware.RequestID is expected to run
// before this one so the request ID is present in the log line.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("latency", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
