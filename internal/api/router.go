package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/voxpipe/transcribeq/internal/audit"
	"github.com/voxpipe/transcribeq/internal/broker"
	"github.com/voxpipe/transcribeq/internal/config"
	"github.com/voxpipe/transcribeq/internal/jobstore"
	"github.com/voxpipe/transcribeq/internal/modelpool"
)

// RouterConfig holds every dependency NewRouter needs to build the HTTP
// surface, populated once in cmd/server/main.go after every component
// has been constructed.
type RouterConfig struct {
	DB      *gorm.DB
	Store   *jobstore.Store
	Broker  broker.Broker
	Pool    *modelpool.Pool
	Audit   *audit.Log
	Metrics *Metrics
	Logger  *zap.Logger

	APIKeys         []string
	RateLimit       int
	RateLimitWindow time.Duration

	WorkFolder      string
	MaxUploadBytes  int64
	DefaultTier     config.Tier
	DefaultPriority int
	ServiceName     string
}

// NewRouter builds the fully configured Chi router. Every route except
// /health and /metrics requires a valid X-API-Key; admin routes share
// the same key but are logically separate so a future key scope split
// is a router change, not a handler change.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	auth := NewAPIKeyAuth(cfg.APIKeys)
	limiter := NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow)

	transcribeHandler := &TranscribeHandler{
		Store:           cfg.Store,
		Broker:          cfg.Broker,
		Audit:           cfg.Audit,
		Logger:          cfg.Logger,
		WorkFolder:      cfg.WorkFolder,
		MaxUploadBytes:  cfg.MaxUploadBytes,
		DefaultTier:     cfg.DefaultTier,
		DefaultPriority: cfg.DefaultPriority,
	}
	adminHandler := &AdminHandler{
		DB:      cfg.DB,
		Broker:  cfg.Broker,
		Pool:    cfg.Pool,
		Store:   cfg.Store,
		Metrics: cfg.Metrics,
		Logger:  cfg.Logger,
	}
	healthHandler := &HealthHandler{DB: cfg.DB, ServiceName: cfg.ServiceName}

	r.Get("/health", healthHandler.Health)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Use(limiter.Middleware)

		r.Post("/transcribe", transcribeHandler.Create)
		r.Get("/transcribe/{id}", transcribeHandler.GetByID)
		r.Delete("/transcribe/{id}", transcribeHandler.Cancel)
		r.Get("/jobs", transcribeHandler.List)

		r.Get("/admin/health", adminHandler.Health)
		r.Get("/admin/errors", adminHandler.Errors)
	})

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	return r
}
