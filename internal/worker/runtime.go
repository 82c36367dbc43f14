// Package worker implements the task dispatch loop that turns a
// consumed broker.Delivery into JobStore transitions, ModelPool
// borrows, an engine run, and audit events — the Go translation of the
// reference Celery task (transcribe_audio_task / classify_error /
// repair_and_retry_task), generalized into an explicit
// Runtime.Handle(ctx, delivery) driven by broker.Consume instead of
// exception-raised retries.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/voxpipe/transcribeq/internal/audit"
	"github.com/voxpipe/transcribeq/internal/broker"
	"github.com/voxpipe/transcribeq/internal/config"
	"github.com/voxpipe/transcribeq/internal/dbstore"
	"github.com/voxpipe/transcribeq/internal/engine"
	"github.com/voxpipe/transcribeq/internal/jobstore"
	"github.com/voxpipe/transcribeq/internal/modelpool"
	"github.com/voxpipe/transcribeq/internal/repair"
	"github.com/voxpipe/transcribeq/internal/transcript"
)

// repairRetryDelay is the fixed delay before a repaired-audio retry is
// redelivered, grounded on repair_and_retry_task's countdown=10 — a
// short fixed delay rather than the generic exponential backoff, since
// the repair itself (not congestion) was what the previous attempt was
// waiting on.
const repairRetryDelay = 10 * time.Second

// Runtime wires every collaborator a running worker needs. One Runtime
// is shared by all WORKER_CONCURRENCY goroutines started from
// cmd/worker; Handle is safe for concurrent use as long as its
// collaborators are (Store, Broker, Pool, and Audit all are).
type Runtime struct {
	Store  *jobstore.Store
	Broker broker.Broker
	Pool   *modelpool.Pool
	Audit  *audit.Log
	Engine engine.Engine
	Repair repair.Repairer
	Log    *zap.Logger

	OutputFolder   string
	AcquireTimeout time.Duration // default 5 min
	WorkerID       string
}

func (r *Runtime) acquireTimeout() time.Duration {
	if r.AcquireTimeout > 0 {
		return r.AcquireTimeout
	}
	return 5 * time.Minute
}

// Handle implements the seven-step task handling contract of spec.md
// §4.6 for a single delivery. It always returns nil from the broker's
// perspective (Ack/Nack are both "handled"); it returns a non-nil error
// only when something unrecoverable happened before a terminal action
// could be taken (e.g. the context was cancelled while waiting on a DB
// call), signalling the caller's Consume loop should stop.
func (r *Runtime) Handle(ctx context.Context, d broker.Delivery) error {
	env := d.Envelope
	log := r.Log.With(zap.String("job_id", env.JobID.String()))

	job, err := r.Store.Jobs.GetByID(ctx, env.JobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			log.Warn("job not found, dropping delivery")
			return d.Ack(ctx)
		}
		return d.Nack(ctx, true)
	}

	if jobstore.IsTerminal(job.Status) {
		log.Info("job already terminal, dropping delivery", zap.String("status", job.Status))
		return d.Ack(ctx)
	}

	now := time.Now().UTC()
	fromStatus := job.Status
	if err := r.Store.Jobs.Transition(ctx, job.ID, fromStatus, jobstore.StatusProcessing, map[string]any{
		"started_at":       firstNonNil(job.StartedAt, &now),
		"worker_id":        r.WorkerID,
		"progress_percent": 10,
		"current_step":     "acquiring model",
		"updated_at":       now,
	}); err != nil {
		if errors.Is(err, jobstore.ErrConflict) {
			// Another worker (or a cancel) already moved this job; drop.
			return d.Ack(ctx)
		}
		return d.Nack(ctx, true)
	}
	job.Status = jobstore.StatusProcessing
	r.auditEvent(ctx, "job.process.start", env.JobID, "success", "")

	tier := config.Tier(env.ModelTier)
	acquireCtx, cancel := context.WithTimeout(ctx, r.acquireTimeout())
	handle, err := r.Pool.Acquire(acquireCtx, tier)
	cancel()
	if err != nil {
		return r.fail(ctx, job, env, d, err, log)
	}
	defer r.Pool.Release(handle)

	if err := r.Store.Jobs.UpdateProgress(ctx, job.ID, 30, "transcribing"); err != nil {
		log.Warn("progress update failed", zap.Error(err))
	}

	cancelled := func() error {
		current, err := r.Store.Jobs.GetByID(ctx, job.ID)
		if err != nil {
			return nil
		}
		if current.Status == jobstore.StatusCancelled {
			return context.Canceled
		}
		return ctx.Err()
	}

	result, err := r.Engine.Transcribe(ctx, handle, env.FilePath, env.Language, cancelled)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("job cancelled mid-run, not writing result")
			return d.Ack(ctx)
		}
		return r.fail(ctx, job, env, d, err, log)
	}

	return r.succeed(ctx, job, env, result, d, log)
}

func (r *Runtime) succeed(ctx context.Context, job *dbstore.Job, env broker.Envelope, result engine.Result, d broker.Delivery, log *zap.Logger) error {
	if err := r.Store.Jobs.UpdateProgress(ctx, job.ID, 90, "saving results"); err != nil {
		log.Warn("progress update failed", zap.Error(err))
	}

	outputPath := transcript.OutputPath(r.OutputFolder, env.FilePath)
	if err := os.MkdirAll(r.OutputFolder, 0o755); err != nil {
		return r.fail(ctx, job, env, d, fmt.Errorf("engine: failed to create output folder: %w", err), log)
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return r.fail(ctx, job, env, d, fmt.Errorf("engine: failed to open output file: %w", err), log)
	}
	writeErr := transcript.Write(f, transcript.Metadata{
		OriginalFilename: job.OriginalFilename,
		ByteSize:         job.ByteSize,
		ModelTier:        env.ModelTier,
		TranscribedAt:    time.Now(),
		RequestedLang:    job.Language,
	}, result)
	closeErr := f.Close()
	if writeErr != nil {
		return r.fail(ctx, job, env, d, fmt.Errorf("engine: failed to write output file: %w", writeErr), log)
	}
	if closeErr != nil {
		return r.fail(ctx, job, env, d, fmt.Errorf("engine: failed to close output file: %w", closeErr), log)
	}

	segments, err := encodeSegments(result.Segments)
	if err != nil {
		segments = "[]"
	}

	dbResult := &dbstore.Result{
		JobID:           job.ID,
		Text:            result.Text,
		Language:        result.Language,
		DurationSeconds: result.DurationSeconds,
		Segments:        segments,
		OutputPath:      outputPath,
	}
	if err := r.Store.AttachResult(ctx, job.ID, dbResult); err != nil {
		if errors.Is(err, jobstore.ErrConflict) {
			return d.Ack(ctx) // job was cancelled concurrently; drop without overwriting
		}
		return d.Nack(ctx, true)
	}

	if err := r.Store.ErrorLogs.ResolveForJob(ctx, job.ID, "system", "resolved by successful retry"); err != nil {
		log.Warn("failed to resolve prior error logs", zap.Error(err))
	}

	r.auditEvent(ctx, "job.complete", job.ID, "success", "")
	log.Info("job completed")
	return d.Ack(ctx)
}

// fail implements step 7 of spec.md §4.6: classify, then either
// reschedule (OOM tier fallback, corrupt-audio repair-and-retry, or a
// plain exponential-backoff retry) or transition to failed and route to
// the DLQ.
func (r *Runtime) fail(ctx context.Context, job *dbstore.Job, env broker.Envelope, d broker.Delivery, cause error, log *zap.Logger) error {
	kind := Classify(cause)
	log = log.With(zap.String("error_kind", kind))

	if kind == KindOutOfMemory {
		if smaller, ok := config.Smaller(config.Tier(env.ModelTier)); ok {
			env.ModelTier = string(smaller)
			if err := r.Store.Jobs.Transition(ctx, job.ID, jobstore.StatusProcessing, jobstore.StatusRetry, map[string]any{
				"model_tier":    string(smaller),
				"error_message": fmt.Sprintf("OOM with %s, retrying with %s", job.ModelTier, smaller),
				"current_step":  "retrying with smaller model",
				"updated_at":    time.Now().UTC(),
			}); err != nil && !errors.Is(err, jobstore.ErrConflict) {
				return d.Nack(ctx, true)
			}
			if err := r.Broker.Move(ctx, env, broker.QueueRetry); err != nil {
				return d.Nack(ctx, true)
			}
			r.auditEvent(ctx, "job.retry", job.ID, "success", kind)
			return d.Ack(ctx)
		}
		// Already at the smallest tier: take the terminal path.
		return r.terminal(ctx, job, env, d, cause, kind, log)
	}

	if !Recoverable(kind) {
		return r.terminal(ctx, job, env, d, cause, kind, log)
	}

	nextRetry := job.RetryCount + 1
	if nextRetry >= job.MaxRetries {
		return r.terminal(ctx, job, env, d, cause, kind, log)
	}

	if kind == KindCorruptAudio {
		return r.repairAndRetry(ctx, job, env, d, cause, nextRetry, log)
	}

	if err := r.Store.Jobs.Transition(ctx, job.ID, jobstore.StatusProcessing, jobstore.StatusRetry, map[string]any{
		"retry_count":      nextRetry,
		"progress_percent": 0,
		"current_step":     "retrying",
		"error_type":       kind,
		"error_message":    truncate(cause.Error(), 500),
		"updated_at":       time.Now().UTC(),
	}); err != nil && !errors.Is(err, jobstore.ErrConflict) {
		return d.Nack(ctx, true)
	}

	delay := Backoff(nextRetry)
	if _, err := r.Broker.Retry(ctx, env, delay); err != nil {
		return d.Nack(ctx, true)
	}
	r.auditEvent(ctx, "job.retry", job.ID, "success", kind)
	log.Info("job rescheduled", zap.Duration("delay", delay), zap.Int("retry_count", nextRetry))
	return d.Ack(ctx)
}

// repairAndRetry implements spec §4.6's corrupt-audio path: schedule a
// repair task (external decoder re-encode to 16kHz mono MP3) before the
// retry, and replace the file path on the next attempt with the
// repaired artifact. This is the Go translation of the reference
// implementation's repair_and_retry_task, folded into the same
// fail-path dispatch the rest of the retry taxonomy uses instead of a
// separately scheduled task.
func (r *Runtime) repairAndRetry(ctx context.Context, job *dbstore.Job, env broker.Envelope, d broker.Delivery, cause error, nextRetry int, log *zap.Logger) error {
	if err := r.Store.AppendError(ctx, job.ID, KindCorruptAudio, truncate(cause.Error(), 500), "", "{}", 5*time.Minute); err != nil {
		log.Warn("failed to append corrupt-audio error log", zap.Error(err))
	}

	if r.Repair == nil {
		log.Error("no repair collaborator configured, failing terminally")
		return r.terminal(ctx, job, env, d, cause, KindCorruptAudio, log)
	}

	repairedPath, err := r.Repair.Repair(ctx, env.FilePath)
	if err != nil {
		log.Error("audio repair failed", zap.Error(err))
		if tErr := r.Store.Jobs.Transition(ctx, job.ID, jobstore.StatusProcessing, jobstore.StatusRetry, map[string]any{
			"retry_count":      nextRetry,
			"progress_percent": 0,
			"current_step":     "audio repair failed",
			"error_type":       KindCorruptAudio,
			"error_message":    truncate(fmt.Sprintf("repair failed: %v", err), 500),
			"updated_at":       time.Now().UTC(),
		}); tErr != nil && !errors.Is(tErr, jobstore.ErrConflict) {
			return d.Nack(ctx, true)
		}
		delay := Backoff(nextRetry)
		if _, err := r.Broker.Retry(ctx, env, delay); err != nil {
			return d.Nack(ctx, true)
		}
		r.auditEvent(ctx, "job.retry", job.ID, "success", KindCorruptAudio)
		return d.Ack(ctx)
	}

	env.FilePath = repairedPath
	if err := r.Store.Jobs.Transition(ctx, job.ID, jobstore.StatusProcessing, jobstore.StatusRetry, map[string]any{
		"retry_count":      nextRetry,
		"file_path":        repairedPath,
		"progress_percent": 0,
		"current_step":     "retrying with repaired audio",
		"error_type":       KindCorruptAudio,
		"error_message":    truncate(cause.Error(), 500),
		"updated_at":       time.Now().UTC(),
	}); err != nil && !errors.Is(err, jobstore.ErrConflict) {
		return d.Nack(ctx, true)
	}

	if _, err := r.Broker.Retry(ctx, env, repairRetryDelay); err != nil {
		return d.Nack(ctx, true)
	}
	r.auditEvent(ctx, "job.retry", job.ID, "success", KindCorruptAudio)
	log.Info("audio repaired, rescheduled", zap.String("repaired_path", repairedPath))
	return d.Ack(ctx)
}

// terminal moves job to failed, appends an ErrorLog row, emits
// job.fail, and forwards a copy of the envelope to the DLQ for human
// review.
func (r *Runtime) terminal(ctx context.Context, job *dbstore.Job, env broker.Envelope, d broker.Delivery, cause error, kind string, log *zap.Logger) error {
	now := time.Now().UTC()
	if err := r.Store.Jobs.Transition(ctx, job.ID, job.Status, jobstore.StatusFailed, map[string]any{
		"error_type":    kind,
		"error_message": truncate(cause.Error(), 500),
		"completed_at":  now,
		"updated_at":    now,
	}); err != nil && !errors.Is(err, jobstore.ErrConflict) {
		return d.Nack(ctx, true)
	}

	if err := r.Store.AppendError(ctx, job.ID, kind, cause.Error(), "", "{}", 5*time.Minute); err != nil {
		log.Warn("failed to append error log", zap.Error(err))
	}

	r.auditEvent(ctx, "job.fail", job.ID, "failure", kind)

	if err := r.Broker.Move(ctx, env, broker.QueueDLQ); err != nil {
		log.Error("failed to route envelope to DLQ", zap.Error(err))
	}

	log.Error("job failed terminally", zap.Error(cause))
	return d.Ack(ctx)
}

func (r *Runtime) auditEvent(ctx context.Context, action string, jobID interface{ String() string }, outcome, reason string) {
	if r.Audit == nil {
		return
	}
	if _, err := r.Audit.Log(ctx, audit.Event{
		Action:        action,
		ResourceType:  "job",
		ResourceID:    jobID.String(),
		Outcome:       outcome,
		OutcomeReason: reason,
	}); err != nil {
		r.Log.Warn("failed to append audit event", zap.String("action", action), zap.Error(err))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func firstNonNil(existing, fallback *time.Time) *time.Time {
	if existing != nil {
		return existing
	}
	return fallback
}
