package jobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/voxpipe/transcribeq/internal/dbstore"
)

// gormJobRepository implements JobRepository over a *gorm.DB, following
// the teacher's narrow-repository-per-aggregate shape: one struct per
// interface, constructed with a single *gorm.DB handle.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by db.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

func (r *gormJobRepository) Create(ctx context.Context, job *dbstore.Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*dbstore.Job, error) {
	var job dbstore.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// Transition performs the compare-and-set described in JobRepository:
// a single UPDATE guarded by both the expected current status and the
// state-machine's legality check, following the pattern of the
// teacher's UpdateStatus (partial column map, RowsAffected-checked).
func (r *gormJobRepository) Transition(ctx context.Context, id uuid.UUID, from, to string, patch map[string]any) error {
	if !TransitionAllowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrForbiddenTransition, from, to)
	}

	updates := map[string]any{}
	for k, v := range patch {
		updates[k] = v
	}
	updates["status"] = to
	updates["updated_at"] = time.Now().UTC()

	res := r.db.WithContext(ctx).
		Model(&dbstore.Job{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (r *gormJobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, percent int, step string) error {
	res := r.db.WithContext(ctx).
		Model(&dbstore.Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"progress_percent": percent,
			"current_step":     step,
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormJobRepository) List(ctx context.Context, opts ListOptions) ([]dbstore.Job, int64, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	q := r.db.WithContext(ctx).Model(&dbstore.Job{})
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var jobs []dbstore.Job
	if err := q.Order("created_at DESC").Limit(limit).Offset(opts.Offset).Find(&jobs).Error; err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (r *gormJobRepository) CountsByStatus(ctx context.Context, since time.Time) (map[string]int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&dbstore.Job{}).
		Select("status, count(*) as count").
		Where("created_at >= ?", since).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, rw := range rows {
		counts[rw.Status] = rw.Count
	}
	return counts, nil
}

// PurgeEligible hard-deletes jobs whose retention window has elapsed,
// skipping any job under an active legal hold — mirroring the
// Unscoped()+explicit-predicate approach GORM requires to bypass its
// default soft-delete scope for a real purge.
func (r *gormJobRepository) PurgeEligible(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Unscoped().
		Where("deleted_at IS NOT NULL").
		Where("retention_until IS NOT NULL AND retention_until < ?", now).
		Where("legal_hold_id = ''").
		Delete(&dbstore.Job{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
