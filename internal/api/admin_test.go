package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/voxpipe/transcribeq/internal/broker"
	"github.com/voxpipe/transcribeq/internal/config"
	"github.com/voxpipe/transcribeq/internal/dbstore"
	"github.com/voxpipe/transcribeq/internal/jobstore"
	"github.com/voxpipe/transcribeq/internal/modelpool"
)

func newAdminHandler(t *testing.T) (*AdminHandler, *jobstore.Store) {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&dbstore.Job{}, &dbstore.Result{}, &dbstore.ErrorLog{}, &dbstore.AuditRecord{}))

	store := jobstore.NewStore(db)
	mem := broker.NewMemory()
	loader := func(ctx context.Context, tier config.Tier) (modelpool.Model, int64, error) {
		return "model-" + string(tier), 10, nil
	}
	pool := modelpool.New(2, 2, loader, func(modelpool.Model) {})

	return &AdminHandler{
		DB:      db,
		Broker:  mem,
		Pool:    pool,
		Store:   store,
		Metrics: NewMetrics(),
		Logger:  testLogger(),
	}, store
}

func TestAdminHealthAggregatesQueueAndPoolState(t *testing.T) {
	h, _ := newAdminHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/health", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "\"status\":\"ok\"")
	require.Contains(t, rec.Body.String(), "jobs.high")
}

func TestAdminErrorsListsUnresolvedRows(t *testing.T) {
	h, store := newAdminHandler(t)

	job := &dbstore.Job{OriginalFilename: "a.mp3", FilePath: "/tmp/a.mp3", ModelTier: "base", Language: "auto", Status: jobstore.StatusPending}
	require.NoError(t, store.Jobs.Create(context.Background(), job))
	require.NoError(t, store.AppendError(context.Background(), job.ID, "FileNotFound", "file not found: /tmp/a.mp3", "", "{}", time.Minute))

	req := httptest.NewRequest(http.MethodGet, "/admin/errors", nil)
	rec := httptest.NewRecorder()
	h.Errors(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "FileNotFound")
}
