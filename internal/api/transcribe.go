package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxpipe/transcribeq/internal/audit"
	"github.com/voxpipe/transcribeq/internal/broker"
	"github.com/voxpipe/transcribeq/internal/config"
	"github.com/voxpipe/transcribeq/internal/dbstore"
	"github.com/voxpipe/transcribeq/internal/jobstore"
)

// TranscribeHandler groups the handlers for the transcription job
// resource: submit, inspect, cancel, list.
type TranscribeHandler struct {
	Store  *jobstore.Store
	Broker broker.Broker
	Audit  *audit.Log
	Logger *zap.Logger

	WorkFolder      string
	MaxUploadBytes  int64
	DefaultTier     config.Tier
	DefaultPriority int
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

type resultResponse struct {
	Text            string  `json:"text"`
	Language        string  `json:"language"`
	DurationSeconds float64 `json:"duration_seconds"`
	OutputPath      string  `json:"output_path"`
}

type jobResponse struct {
	ID              string           `json:"job_id"`
	Status          string           `json:"status"`
	ModelTier       string           `json:"model_tier"`
	Language        string           `json:"language"`
	Priority        int              `json:"priority"`
	ProgressPercent int              `json:"progress_percent"`
	CurrentStep     string           `json:"current_step,omitempty"`
	RetryCount      int              `json:"retry_count"`
	ErrorType       string           `json:"error_type,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	CreatedAt       string           `json:"created_at"`
	StartedAt       *string          `json:"started_at,omitempty"`
	CompletedAt     *string          `json:"completed_at,omitempty"`
	Result          *resultResponse  `json:"result,omitempty"`
}

type listJobsResponse struct {
	Total int64         `json:"total"`
	Jobs  []jobResponse `json:"jobs"`
}

type submitResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func jobToResponse(j *dbstore.Job, result *dbstore.Result) jobResponse {
	resp := jobResponse{
		ID:              j.ID.String(),
		Status:          j.Status,
		ModelTier:       j.ModelTier,
		Language:        j.Language,
		Priority:        j.Priority,
		ProgressPercent: j.ProgressPercent,
		CurrentStep:     j.CurrentStep,
		RetryCount:      j.RetryCount,
		ErrorType:       j.ErrorType,
		ErrorMessage:    j.ErrorMessage,
		CreatedAt:       j.CreatedAt.UTC().Format(time.RFC3339),
	}
	if j.StartedAt != nil {
		s := j.StartedAt.UTC().Format(time.RFC3339)
		resp.StartedAt = &s
	}
	if j.CompletedAt != nil {
		s := j.CompletedAt.UTC().Format(time.RFC3339)
		resp.CompletedAt = &s
	}
	if result != nil {
		resp.Result = &resultResponse{
			Text:            result.Text,
			Language:        result.Language,
			DurationSeconds: result.DurationSeconds,
			OutputPath:      result.OutputPath,
		}
	}
	return resp
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// allowedContentTypePrefixes are the content-type families spec.md §4.7
// accepts for an upload.
var allowedContentTypePrefixes = []string{"audio/", "video/"}

func contentTypeAllowed(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if ct == "" || ct == "application/octet-stream" {
		return true
	}
	for _, prefix := range allowedContentTypePrefixes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

// Create handles POST /transcribe: a multipart upload that creates a
// pending Job, writes the file under WorkFolder, and publishes it to
// jobs.high at priority 9.
func (h *TranscribeHandler) Create(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes+1<<20) // +1MiB for form fields
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		if strings.Contains(err.Error(), "too large") {
			ErrPayloadTooLarge(w, fmt.Sprintf("upload exceeds the %d byte limit", h.MaxUploadBytes))
			return
		}
		ErrBadRequest(w, "malformed multipart upload: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		ErrBadRequest(w, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	if header.Size > h.MaxUploadBytes {
		ErrPayloadTooLarge(w, fmt.Sprintf("upload exceeds the %d byte limit", h.MaxUploadBytes))
		return
	}

	contentType := header.Header.Get("Content-Type")
	if !contentTypeAllowed(contentType) {
		ErrBadRequest(w, fmt.Sprintf("unsupported content type %q: must be audio/*, video/*, or application/octet-stream", contentType))
		return
	}

	tier := h.DefaultTier
	if v := r.FormValue("model_size"); v != "" {
		if !config.ValidTier(config.Tier(v)) {
			ErrBadRequest(w, fmt.Sprintf("invalid model_size %q", v))
			return
		}
		tier = config.Tier(v)
	}

	language := "auto"
	if v := r.FormValue("language"); v != "" {
		language = v
	}

	// Mint the job's ID up front so the uploaded file can be written to
	// its final, collision-free path before the Job row is ever created
	// — Create is then a single insert with every column already known,
	// rather than an insert followed by a patch once the upload lands.
	id, err := uuid.NewV7()
	if err != nil {
		h.Logger.Error("failed to mint job id", zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := os.MkdirAll(h.WorkFolder, 0o755); err != nil {
		h.Logger.Error("failed to create work folder", zap.Error(err))
		ErrInternal(w)
		return
	}
	destPath := filepath.Join(h.WorkFolder, id.String()+"-"+filepath.Base(header.Filename))
	dst, err := os.Create(destPath)
	if err != nil {
		h.Logger.Error("failed to open destination file", zap.Error(err))
		ErrInternal(w)
		return
	}
	written, err := io.Copy(dst, file)
	closeErr := dst.Close()
	if err != nil || closeErr != nil {
		h.Logger.Error("failed to persist upload", zap.Error(err), zap.Error(closeErr))
		ErrInternal(w)
		return
	}

	job := &dbstore.Job{
		OriginalFilename: filepath.Base(header.Filename),
		FilePath:         destPath,
		ByteSize:         written,
		ModelTier:        string(tier),
		Language:         language,
		Priority:         h.DefaultPriority,
		Status:           jobstore.StatusPending,
		CurrentStep:      "queued",
	}
	job.ID = id
	if err := h.Store.Jobs.Create(r.Context(), job); err != nil {
		h.Logger.Error("failed to create job", zap.Error(err))
		ErrInternal(w)
		return
	}

	env := broker.Envelope{JobID: job.ID, FilePath: destPath, ModelTier: string(tier), Language: language}
	if _, err := h.Broker.Publish(r.Context(), env, h.DefaultPriority, 0); err != nil {
		h.Logger.Error("failed to publish job", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.auditEvent(r, "job.create", job.ID.String(), "success", "")

	Accepted(w, submitResponse{
		JobID:   job.ID.String(),
		Status:  jobstore.StatusPending,
		Message: "job accepted",
	})
}

// GetByID handles GET /transcribe/{id}.
func (h *TranscribeHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	job, err := h.Store.Jobs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.Logger.Error("failed to load job", zap.Error(err))
		ErrInternal(w)
		return
	}

	var result *dbstore.Result
	if job.Status == jobstore.StatusCompleted {
		result, err = h.Store.Results.GetByJobID(r.Context(), id)
		if err != nil && !errors.Is(err, jobstore.ErrNotFound) {
			h.Logger.Error("failed to load result", zap.Error(err))
			ErrInternal(w)
			return
		}
	}

	Ok(w, jobToResponse(job, result))
}

// Cancel handles DELETE /transcribe/{id}.
func (h *TranscribeHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	job, err := h.Store.Jobs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.Logger.Error("failed to load job", zap.Error(err))
		ErrInternal(w)
		return
	}

	wasProcessing := job.Status == jobstore.StatusProcessing

	if err := h.Store.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, jobstore.ErrConflict) {
			ErrBadRequest(w, "job is already terminal")
			return
		}
		h.Logger.Error("failed to cancel job", zap.Error(err))
		ErrInternal(w)
		return
	}

	if wasProcessing {
		// The job has no separately persisted broker task id; its
		// worker_id is the best available token to offer the broker for
		// a best-effort revoke. True cancellation still relies on the
		// worker observing the cancelled status at its next checkpoint.
		if err := h.Broker.Revoke(r.Context(), job.WorkerID); err != nil {
			h.Logger.Warn("best-effort revoke failed", zap.Error(err))
		}
	}

	h.auditEvent(r, "job.cancel", id.String(), "success", "")

	job.Status = jobstore.StatusCancelled
	Ok(w, jobToResponse(job, nil))
}

// List handles GET /jobs.
func (h *TranscribeHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := listOpts(r)
	jobs, total, err := h.Store.Jobs.List(r.Context(), opts)
	if err != nil {
		h.Logger.Error("failed to list jobs", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]jobResponse, len(jobs))
	for i := range jobs {
		items[i] = jobToResponse(&jobs[i], nil)
	}
	Ok(w, listJobsResponse{Total: total, Jobs: items})
}

func (h *TranscribeHandler) auditEvent(r *http.Request, action, resourceID, outcome, reason string) {
	if h.Audit == nil {
		return
	}
	fingerprint := ""
	if key := keyFromCtx(r.Context()); key != "" {
		fingerprint = hashKey(key)
	}
	if _, err := h.Audit.Log(r.Context(), audit.Event{
		Action:            action,
		ResourceType:      "job",
		ResourceID:        resourceID,
		Outcome:           outcome,
		OutcomeReason:     reason,
		APIKeyFingerprint: fingerprint,
		RequestID:         middleware.GetReqID(r.Context()),
		IPAddress:         r.RemoteAddr,
	}); err != nil {
		h.Logger.Warn("failed to append audit event", zap.String("action", action), zap.Error(err))
	}
}
