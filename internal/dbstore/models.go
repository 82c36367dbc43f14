// Package dbstore holds the GORM row definitions and the connection
// factory shared by every persistence-backed component (JobStore,
// AuditLog). It owns migrations and the database/sql connection pool;
// it does not own any business logic — that lives in internal/jobstore
// and internal/audit, which operate on these models through narrow
// repository interfaces.
package dbstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the fields shared by every job-store row. ID uses UUID
// v7 (time-ordered) so primary keys sort chronologically; CreatedAt is
// indexed as well.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null;index"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate assigns a UUID v7 if the ID has not already been set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// Job is one row per submission. Status transitions are enforced by the
// jobstore repository's compare-and-set helper, never by this struct.
type Job struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`

	OriginalFilename string `gorm:"not null"`
	FilePath         string `gorm:"not null"`
	ByteSize         int64  `gorm:"not null"`
	ModelTier        string `gorm:"not null"` // requested tier; config.Tier as string
	Language         string `gorm:"not null;default:'auto'"`
	Priority         int    `gorm:"not null;default:5"` // 0..9

	Status          string `gorm:"not null;index;default:'pending'"`
	WorkerID        string `gorm:"default:''"` // opaque token from the broker
	RetryCount      int    `gorm:"not null;default:0"`
	MaxRetries      int    `gorm:"not null;default:5"`
	ProgressPercent int    `gorm:"not null;default:0"`
	CurrentStep     string `gorm:"default:''"`

	StartedAt   *time.Time
	CompletedAt *time.Time

	ErrorType    string `gorm:"default:''"` // taxonomy value, empty until a failure is recorded
	ErrorMessage string `gorm:"type:text;default:''"`

	DeletionPolicy  string `gorm:"default:''"`
	LegalHoldID     string `gorm:"default:''"` // empty means no active hold
	RetentionUntil  *time.Time
}

// Result is at most one row per Job, present only once the job
// completes successfully.
type Result struct {
	base
	JobID           uuid.UUID `gorm:"type:text;not null;uniqueIndex"`
	Text            string    `gorm:"type:text;not null"`
	Language        string    `gorm:"not null"`
	DurationSeconds float64   `gorm:"not null;default:0"`
	Segments        string    `gorm:"type:text;default:'[]'"` // JSON array of {start,end,text,speaker}
	OutputPath      string    `gorm:"not null"`
}

// ErrorLog is zero or more rows per Job, one appended per failure. Rows
// are never mutated after insert except the resolved* fields, which are
// set by a human reviewing the DLQ, or by the worker once a later
// attempt of the same job completes.
type ErrorLog struct {
	base
	JobID        uuid.UUID `gorm:"type:text;not null;index"`
	ErrorType    string    `gorm:"not null;index"`
	Message      string    `gorm:"type:text;not null"`
	Stack        string    `gorm:"type:text;default:''"`
	Context      string    `gorm:"type:text;default:'{}'"` // JSON, free-form
	Resolved     bool      `gorm:"not null;default:false"`
	ResolvedBy   string    `gorm:"default:''"`
	ResolvedNote string    `gorm:"type:text;default:''"`
}

// AuditRecord is one row of the append-only hash chain. SequenceNumber
// is assigned by the audit package under its serializing lock, never by
// the database, so the chain's gap-free monotonicity is a property of
// the application, not of a SQL sequence.
type AuditRecord struct {
	SequenceNumber int64     `gorm:"primaryKey;autoIncrement:false"`
	EventID        uuid.UUID `gorm:"type:text;not null;uniqueIndex"`
	EventTimestamp time.Time `gorm:"not null;index"`

	Action       string `gorm:"not null;index"`
	ResourceType string `gorm:"not null;index"`
	ResourceID   string `gorm:"default:'';index"`

	UserID            string `gorm:"default:''"`
	UserEmail         string `gorm:"default:''"`
	UserRole          string `gorm:"default:''"`
	APIKeyFingerprint string `gorm:"default:''"`
	IPAddress         string `gorm:"default:''"`
	UserAgent         string `gorm:"default:''"`
	RequestID         string `gorm:"default:''"`
	SessionID         string `gorm:"default:''"`

	Outcome       string `gorm:"not null"` // success, failure, denied, error
	OutcomeReason string `gorm:"default:''"`

	PreviousState string `gorm:"type:text;default:''"` // JSON snapshot, optional
	NewState      string `gorm:"type:text;default:''"` // JSON snapshot, optional

	PreviousHash string `gorm:"not null"`
	RecordHash   string `gorm:"not null"`
}
