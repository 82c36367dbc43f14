package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/voxpipe/transcribeq/internal/broker"
	"github.com/voxpipe/transcribeq/internal/dbstore"
	"github.com/voxpipe/transcribeq/internal/jobstore"
	"github.com/voxpipe/transcribeq/internal/modelpool"
)

// AdminHandler serves the operator-facing endpoints behind the API-key
// + rate-limit middleware chain: aggregate health and the unresolved
// error-log page.
type AdminHandler struct {
	DB      *gorm.DB
	Broker  broker.Broker
	Pool    *modelpool.Pool
	Store   *jobstore.Store
	Metrics *Metrics
	Logger  *zap.Logger
}

type modelPoolStatus struct {
	TotalLoaded int            `json:"total_loaded"`
	FreeByTier  map[string]int `json:"free_by_tier"`
	HitRate     float64        `json:"hit_rate"`
	OOMFallback int64          `json:"oom_fallbacks"`
}

type adminHealthResponse struct {
	Status       string           `json:"status"`
	Queues       map[string]int64 `json:"queues"`
	ModelPool    modelPoolStatus  `json:"model_pool"`
	ErrorRate1h  float64          `json:"error_rate_1h"`
}

// Health handles GET /admin/health: DB liveness, queue depths, pool
// stats, and the trailing-hour error rate, all in one aggregate read.
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if err := dbstore.Ping(r.Context(), h.DB); err != nil {
		status = "degraded"
	}

	queues, err := h.Broker.Depths(r.Context(), []string{broker.QueueHigh, broker.QueueNormal, broker.QueueRetry, broker.QueueDLQ})
	if err != nil {
		h.Logger.Error("failed to read queue depths", zap.Error(err))
		status = "degraded"
		queues = map[string]int64{}
	}

	stats := h.Pool.Stats()
	freeByTier := make(map[string]int, len(stats.FreeByTier))
	for tier, n := range stats.FreeByTier {
		freeByTier[string(tier)] = n
	}

	var errorRate float64
	if counts, err := h.Store.Jobs.CountsByStatus(r.Context(), time.Now().Add(-time.Hour)); err != nil {
		h.Logger.Error("failed to compute error rate", zap.Error(err))
		status = "degraded"
	} else {
		var total int64
		for _, n := range counts {
			total += n
		}
		if total > 0 {
			errorRate = float64(counts[jobstore.StatusFailed]) / float64(total)
		}
	}

	if h.Metrics != nil {
		for q, depth := range queues {
			h.Metrics.SetQueueDepth(q, depth)
		}
		h.Metrics.SetPoolStats(freeByTier, stats.TotalLoaded, stats.HitRate, stats.OOMFallbacks)
	}

	JSON(w, http.StatusOK, adminHealthResponse{
		Status: status,
		Queues: queues,
		ModelPool: modelPoolStatus{
			TotalLoaded: stats.TotalLoaded,
			FreeByTier:  freeByTier,
			HitRate:     stats.HitRate,
			OOMFallback: stats.OOMFallbacks,
		},
		ErrorRate1h: errorRate,
	})
}

type errorLogResponse struct {
	ID        string `json:"id"`
	JobID     string `json:"job_id"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
}

type listErrorsResponse struct {
	Total  int64              `json:"total"`
	Errors []errorLogResponse `json:"errors"`
}

// Errors handles GET /admin/errors: a page over unresolved ErrorLogs.
// The repository only exposes unresolved rows (spec.md scopes resolved
// review out of this endpoint's contract); a resolved=true query
// parameter is accepted but has no effect, which is noted in DESIGN.md.
func (h *AdminHandler) Errors(w http.ResponseWriter, r *http.Request) {
	opts := listOpts(r)
	rows, total, err := h.Store.ErrorLogs.ListUnresolved(r.Context(), opts.Limit, opts.Offset)
	if err != nil {
		h.Logger.Error("failed to list error logs", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]errorLogResponse, len(rows))
	for i, row := range rows {
		items[i] = errorLogResponse{
			ID:        row.ID.String(),
			JobID:     row.JobID.String(),
			ErrorType: row.ErrorType,
			Message:   row.Message,
			CreatedAt: row.CreatedAt.UTC().Format(time.RFC3339),
		}
	}

	Ok(w, listErrorsResponse{Total: total, Errors: items})
}
