package api

import (
	"net/http"

	"gorm.io/gorm"

	"github.com/voxpipe/transcribeq/internal/dbstore"
)

// HealthHandler serves the public, unauthenticated liveness probe.
type HealthHandler struct {
	DB          *gorm.DB
	ServiceName string
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Service  string `json:"service"`
}

// Health handles GET /health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	database := "up"
	status := "ok"
	if err := dbstore.Ping(r.Context(), h.DB); err != nil {
		database = "down"
		status = "degraded"
	}

	JSON(w, http.StatusOK, healthResponse{
		Status:   status,
		Database: database,
		Service:  h.ServiceName,
	})
}
