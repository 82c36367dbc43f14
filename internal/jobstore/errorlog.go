package jobstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/voxpipe/transcribeq/internal/dbstore"
)

type gormErrorLogRepository struct {
	db *gorm.DB
}

// NewErrorLogRepository returns an ErrorLogRepository backed by db.
func NewErrorLogRepository(db *gorm.DB) ErrorLogRepository {
	return &gormErrorLogRepository{db: db}
}

func (r *gormErrorLogRepository) Append(ctx context.Context, entry *dbstore.ErrorLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *gormErrorLogRepository) ExistsRecent(ctx context.Context, jobID uuid.UUID, errorType, message string, window time.Duration) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&dbstore.ErrorLog{}).
		Where("job_id = ? AND error_type = ? AND message = ? AND created_at >= ?",
			jobID, errorType, message, time.Now().UTC().Add(-window)).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *gormErrorLogRepository) ListUnresolved(ctx context.Context, limit, offset int) ([]dbstore.ErrorLog, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	q := r.db.WithContext(ctx).Model(&dbstore.ErrorLog{}).Where("resolved = ?", false)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var logs []dbstore.ErrorLog
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&logs).Error; err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

func (r *gormErrorLogRepository) MarkResolved(ctx context.Context, id uuid.UUID, resolvedBy, note string) error {
	res := r.db.WithContext(ctx).
		Model(&dbstore.ErrorLog{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"resolved":      true,
			"resolved_by":   resolvedBy,
			"resolved_note": note,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormErrorLogRepository) ResolveForJob(ctx context.Context, jobID uuid.UUID, resolvedBy, note string) error {
	return r.db.WithContext(ctx).
		Model(&dbstore.ErrorLog{}).
		Where("job_id = ? AND resolved = ?", jobID, false).
		Updates(map[string]any{
			"resolved":      true,
			"resolved_by":   resolvedBy,
			"resolved_note": note,
			"updated_at":    time.Now().UTC(),
		}).Error
}
