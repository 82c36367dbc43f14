package jobstore

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/voxpipe/transcribeq/internal/dbstore"
)

type gormResultRepository struct {
	db *gorm.DB
}

// NewResultRepository returns a ResultRepository backed by db.
func NewResultRepository(db *gorm.DB) ResultRepository {
	return &gormResultRepository{db: db}
}

func (r *gormResultRepository) Create(ctx context.Context, result *dbstore.Result) error {
	return r.db.WithContext(ctx).Create(result).Error
}

func (r *gormResultRepository) GetByJobID(ctx context.Context, jobID uuid.UUID) (*dbstore.Result, error) {
	var result dbstore.Result
	err := r.db.WithContext(ctx).First(&result, "job_id = ?", jobID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &result, nil
}
