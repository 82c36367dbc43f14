package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// withURLParam attaches a chi route param to req the way the router
// would after matching a pattern like "/transcribe/{id}", so handlers
// under test can call parseUUID without going through the full router.
func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}
