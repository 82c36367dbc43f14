// Package jobstore implements the durable state for transcription jobs:
// persistent Job/Result/ErrorLog rows, compare-and-set status
// transitions, listing, and retention purge. It owns Job, Result, and
// ErrorLog exclusively — no other component writes these rows directly.
package jobstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/voxpipe/transcribeq/internal/dbstore"
)

// ListOptions bounds a List call. Limit is clamped to [1,100] by the API
// layer before it reaches the repository.
type ListOptions struct {
	Status string // empty = any status
	Limit  int
	Offset int
}

// Status is the fixed set of values a Job's Status field may hold. Only
// the transitions named in the state machine are legal; JobRepository's
// Transition method enforces this.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusRetry      = "retry"
)

// allowedTransitions maps each status to the set of statuses it may
// legally move to. Anything absent from this table is forbidden.
var allowedTransitions = map[string]map[string]bool{
	StatusPending:    {StatusProcessing: true, StatusCancelled: true},
	StatusProcessing: {StatusCompleted: true, StatusFailed: true, StatusRetry: true, StatusCancelled: true},
	StatusRetry:      {StatusProcessing: true, StatusCancelled: true},
	StatusFailed:     {},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

// TransitionAllowed reports whether moving a Job from "from" to "to" is
// a legal edge in the state machine.
func TransitionAllowed(from, to string) bool {
	edges, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// IsTerminal reports whether status is one from which no further
// transition is possible.
func IsTerminal(status string) bool {
	edges, ok := allowedTransitions[status]
	return ok && len(edges) == 0
}

// JobRepository is the narrow persistence contract the worker runtime
// and the job API depend on. Concrete implementations live at the edge
// (gormJobRepository); consumers depend only on this interface.
type JobRepository interface {
	Create(ctx context.Context, job *dbstore.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*dbstore.Job, error)
	// Transition performs a compare-and-set: it succeeds only if the row's
	// current status equals from, and only if from->to is a legal edge.
	// patch carries any additional column updates to apply atomically
	// with the status change (e.g. started_at, worker_id, progress).
	Transition(ctx context.Context, id uuid.UUID, from, to string, patch map[string]any) error
	// UpdateProgress sets progress_percent and current_step without
	// touching status; used for in-flight progress reporting.
	UpdateProgress(ctx context.Context, id uuid.UUID, percent int, step string) error
	List(ctx context.Context, opts ListOptions) ([]dbstore.Job, int64, error)
	CountsByStatus(ctx context.Context, since time.Time) (map[string]int64, error)
	PurgeEligible(ctx context.Context, now time.Time) (int64, error)
}

// ResultRepository persists the single Result row a completed Job owns.
type ResultRepository interface {
	Create(ctx context.Context, result *dbstore.Result) error
	GetByJobID(ctx context.Context, jobID uuid.UUID) (*dbstore.Result, error)
}

// ErrorLogRepository appends and queries ErrorLog rows.
type ErrorLogRepository interface {
	Append(ctx context.Context, entry *dbstore.ErrorLog) error
	// ExistsRecent reports whether a row with the same (job_id,
	// error_type, message) was appended within window — used to make
	// AppendError idempotent under retried DLQ deliveries.
	ExistsRecent(ctx context.Context, jobID uuid.UUID, errorType, message string, window time.Duration) (bool, error)
	ListUnresolved(ctx context.Context, limit, offset int) ([]dbstore.ErrorLog, int64, error)
	MarkResolved(ctx context.Context, id uuid.UUID, resolvedBy, note string) error
	// ResolveForJob marks every unresolved ErrorLog row belonging to
	// jobID as resolved — used when a job that previously logged a
	// transient failure (OOM fallback, corrupt-audio repair, plain
	// retry) goes on to complete successfully.
	ResolveForJob(ctx context.Context, jobID uuid.UUID, resolvedBy, note string) error
}
