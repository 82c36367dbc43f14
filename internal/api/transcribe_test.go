package api

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/voxpipe/transcribeq/internal/audit"
	"github.com/voxpipe/transcribeq/internal/broker"
	"github.com/voxpipe/transcribeq/internal/config"
	"github.com/voxpipe/transcribeq/internal/dbstore"
	"github.com/voxpipe/transcribeq/internal/jobstore"
)

func newTestHandler(t *testing.T) (*TranscribeHandler, *jobstore.Store, *broker.Memory) {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&dbstore.Job{}, &dbstore.Result{}, &dbstore.ErrorLog{}, &dbstore.AuditRecord{}))

	store := jobstore.NewStore(db)
	mem := broker.NewMemory()

	h := &TranscribeHandler{
		Store:           store,
		Broker:          mem,
		Audit:           audit.New(db, "sqlite"),
		Logger:          testLogger(),
		WorkFolder:      t.TempDir(),
		MaxUploadBytes:  10 << 20,
		DefaultTier:     config.TierBase,
		DefaultPriority: 9,
	}
	return h, store, mem
}

func multipartUpload(t *testing.T, fieldName, filename, contentType string, body []byte, extra map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	part, err := w.CreatePart(map[string][]string{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="%s"; filename="%s"`, fieldName, filename)},
		"Content-Type":        {contentType},
	})
	require.NoError(t, err)
	_, err = part.Write(body)
	require.NoError(t, err)

	for k, v := range extra {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func TestCreateAcceptsValidUpload(t *testing.T) {
	h, store, mem := newTestHandler(t)

	body, contentType := multipartUpload(t, "file", "sample.mp3", "audio/mpeg", []byte("audio bytes"), map[string]string{
		"model_size": "small",
		"language":   "en",
	})

	req := httptest.NewRequest(http.MethodPost, "/transcribe", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.Create(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	jobs, total, err := store.Jobs.List(context.Background(), jobstore.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, "small", jobs[0].ModelTier)
	require.Equal(t, "en", jobs[0].Language)
	require.Equal(t, jobstore.StatusPending, jobs[0].Status)

	depths, err := mem.Depths(context.Background(), []string{broker.QueueHigh})
	require.NoError(t, err)
	require.Equal(t, int64(1), depths[broker.QueueHigh])
}

func TestCreateRejectsBadContentType(t *testing.T) {
	h, _, _ := newTestHandler(t)

	body, contentType := multipartUpload(t, "file", "sample.exe", "application/x-msdownload", []byte("bytes"), nil)
	req := httptest.NewRequest(http.MethodPost, "/transcribe", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.Create(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRejectsOversizedUpload(t *testing.T) {
	h, _, _ := newTestHandler(t)
	h.MaxUploadBytes = 4

	body, contentType := multipartUpload(t, "file", "sample.mp3", "audio/mpeg", []byte("way more than four bytes"), nil)
	req := httptest.NewRequest(http.MethodPost, "/transcribe", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.Create(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestGetByIDReturnsJobProjection(t *testing.T) {
	h, store, _ := newTestHandler(t)
	job := &dbstore.Job{OriginalFilename: "a.mp3", FilePath: "/tmp/a.mp3", ModelTier: "base", Language: "auto", Status: jobstore.StatusPending}
	require.NoError(t, store.Jobs.Create(context.Background(), job))

	req := httptest.NewRequest(http.MethodGet, "/transcribe/"+job.ID.String(), nil)
	req = withURLParam(req, "id", job.ID.String())
	rec := httptest.NewRecorder()

	h.GetByID(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetByIDReturns404ForUnknownJob(t *testing.T) {
	h, _, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/transcribe/00000000-0000-0000-0000-000000000000", nil)
	req = withURLParam(req, "id", "00000000-0000-0000-0000-000000000000")
	rec := httptest.NewRecorder()

	h.GetByID(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRejectsTerminalJob(t *testing.T) {
	h, store, _ := newTestHandler(t)
	job := &dbstore.Job{OriginalFilename: "a.mp3", FilePath: "/tmp/a.mp3", ModelTier: "base", Language: "auto", Status: jobstore.StatusPending}
	require.NoError(t, store.Jobs.Create(context.Background(), job))
	require.NoError(t, store.Cancel(context.Background(), job.ID))

	req := httptest.NewRequest(http.MethodDelete, "/transcribe/"+job.ID.String(), nil)
	req = withURLParam(req, "id", job.ID.String())
	rec := httptest.NewRecorder()

	h.Cancel(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelSucceedsForPendingJob(t *testing.T) {
	h, store, _ := newTestHandler(t)
	job := &dbstore.Job{OriginalFilename: "a.mp3", FilePath: "/tmp/a.mp3", ModelTier: "base", Language: "auto", Status: jobstore.StatusPending}
	require.NoError(t, store.Jobs.Create(context.Background(), job))

	req := httptest.NewRequest(http.MethodDelete, "/transcribe/"+job.ID.String(), nil)
	req = withURLParam(req, "id", job.ID.String())
	rec := httptest.NewRecorder()

	h.Cancel(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	final, err := store.Jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StatusCancelled, final.Status)
}
