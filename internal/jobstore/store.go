package jobstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/voxpipe/transcribeq/internal/dbstore"
)

// Store composes the three per-aggregate repositories and adds the
// operations the JobStore contract names — AttachResult, which commits
// the status change together with the Result row in one transaction,
// and Cancel, a single compare-and-set UPDATE of the Job row. Everything
// else on Store simply
// forwards to the narrow repositories below, which remain independently
// usable (and independently mockable) wherever only one aggregate is
// needed.
type Store struct {
	db *gorm.DB

	Jobs      JobRepository
	Results   ResultRepository
	ErrorLogs ErrorLogRepository
}

// NewStore builds a Store and its three repositories over db.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:        db,
		Jobs:      NewJobRepository(db),
		Results:   NewResultRepository(db),
		ErrorLogs: NewErrorLogRepository(db),
	}
}

// AttachResult is only valid when the job is currently processing; it
// moves the job to completed and inserts the Result row atomically, so
// a crash between the two writes is never observable as a completed
// job with no Result, or vice versa.
func (s *Store) AttachResult(ctx context.Context, jobID uuid.UUID, result *dbstore.Result) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&dbstore.Job{}).
			Where("id = ? AND status = ?", jobID, StatusProcessing).
			Updates(map[string]any{
				"status":           StatusCompleted,
				"progress_percent": 100,
				"current_step":     "completed",
				"completed_at":     time.Now().UTC(),
				"updated_at":       time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		return tx.Create(result).Error
	})
}

// Cancel performs the {pending, processing, retry} -> cancelled
// compare-and-set named in the JobStore contract, accepting any of the
// three starting statuses in a single statement rather than requiring
// the caller to know which one currently holds.
func (s *Store) Cancel(ctx context.Context, jobID uuid.UUID) error {
	res := s.db.WithContext(ctx).
		Model(&dbstore.Job{}).
		Where("id = ? AND status IN ?", jobID, []string{StatusPending, StatusProcessing, StatusRetry}).
		Updates(map[string]any{
			"status":       StatusCancelled,
			"completed_at": time.Now().UTC(),
			"updated_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// AppendError inserts an ErrorLog row unless an equivalent one was
// already appended within the idempotency window, tolerating retried
// DLQ deliveries without duplicating error records for the same
// failure.
func (s *Store) AppendError(ctx context.Context, jobID uuid.UUID, errorType, message, stack, context_ string, window time.Duration) error {
	exists, err := s.ErrorLogs.ExistsRecent(ctx, jobID, errorType, message, window)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	entry := &dbstore.ErrorLog{
		JobID:     jobID,
		ErrorType: errorType,
		Message:   message,
		Stack:     stack,
		Context:   context_,
	}
	return s.ErrorLogs.Append(ctx, entry)
}
