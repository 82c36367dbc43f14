// Package audit implements the append-only, hash-chained event log. It
// owns the audit_records table exclusively: nothing outside this
// package issues an UPDATE or DELETE against it. The hash formula and
// the log-wide serializing lock are grounded on the Python reference
// implementation's AuditLogger; the chain-verification batching and
// the narrow interface shape are the idiomatic Go translation of that
// same contract.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/voxpipe/transcribeq/internal/dbstore"
)

// sentinelHash is previous_hash for sequence 1 — 64 '0' characters.
const sentinelHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Event is the caller-supplied input to Log. EventID and Timestamp are
// assigned by Log when left zero.
type Event struct {
	EventID   uuid.UUID
	Timestamp time.Time

	Action       string
	ResourceType string
	ResourceID   string

	UserID            string
	UserEmail         string
	UserRole          string
	APIKeyFingerprint string
	IPAddress         string
	UserAgent         string
	RequestID         string
	SessionID         string

	Outcome       string
	OutcomeReason string

	PreviousState string
	NewState      string
}

// Log is the singleton append-stream handle — one per database, shared
// read-only (save for the serializing lock inside Log) across every
// caller in the process.
type Log struct {
	db     *gorm.DB
	driver string

	// mu serializes the read-max-sequence / compute-hash / insert
	// critical section for in-process callers. On Postgres this is
	// additionally backed by a transaction-scoped advisory lock so
	// multiple processes (server and worker both write the chain)
	// serialize too; on SQLite the single-writer connection already
	// does that job, so mu alone suffices there.
	mu sync.Mutex
}

// New builds a Log over db. driver is "sqlite" or "postgres", matching
// the value passed to dbstore.New — it selects whether Log takes the
// Postgres advisory lock.
func New(db *gorm.DB, driver string) *Log {
	return &Log{db: db, driver: driver}
}

// advisoryLockKey is an arbitrary fixed key; any two processes pointed
// at the same database agree on it, which is all pg_advisory_xact_lock
// requires.
const advisoryLockKey = 913_224_771

// Log appends one record to the chain and returns its event_id.
func (l *Log) Log(ctx context.Context, ev Event) (uuid.UUID, error) {
	if ev.EventID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return uuid.UUID{}, err
		}
		ev.EventID = id
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if l.driver == "postgres" {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", advisoryLockKey).Error; err != nil {
				return fmt.Errorf("audit: failed to acquire advisory lock: %w", err)
			}
		}

		var prev dbstore.AuditRecord
		err := tx.Order("sequence_number DESC").Limit(1).First(&prev).Error
		var seq int64
		var prevHash string
		switch {
		case err == gorm.ErrRecordNotFound:
			seq = 1
			prevHash = sentinelHash
		case err != nil:
			return err
		default:
			seq = prev.SequenceNumber + 1
			prevHash = prev.RecordHash
		}

		record := dbstore.AuditRecord{
			SequenceNumber:    seq,
			EventID:           ev.EventID,
			EventTimestamp:    ev.Timestamp,
			Action:            ev.Action,
			ResourceType:      ev.ResourceType,
			ResourceID:        ev.ResourceID,
			UserID:            ev.UserID,
			UserEmail:         ev.UserEmail,
			UserRole:          ev.UserRole,
			APIKeyFingerprint: ev.APIKeyFingerprint,
			IPAddress:         ev.IPAddress,
			UserAgent:         ev.UserAgent,
			RequestID:         ev.RequestID,
			SessionID:         ev.SessionID,
			Outcome:           ev.Outcome,
			OutcomeReason:     ev.OutcomeReason,
			PreviousState:     ev.PreviousState,
			NewState:          ev.NewState,
			PreviousHash:      prevHash,
		}
		record.RecordHash = computeHash(record)

		return tx.Create(&record).Error
	})
	if err != nil {
		return uuid.UUID{}, err
	}
	return ev.EventID, nil
}

// computeHash reproduces the exact serialization order named in the
// hash-chain contract: event_id | iso8601(ts) | action | resource_type
// | resource_id | user_id | outcome | previous_hash, with absent values
// as the empty string.
func computeHash(r dbstore.AuditRecord) string {
	input := strings.Join([]string{
		r.EventID.String(),
		r.EventTimestamp.UTC().Format(time.RFC3339Nano),
		r.Action,
		r.ResourceType,
		r.ResourceID,
		r.UserID,
		r.Outcome,
		r.PreviousHash,
	}, "|")
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// VerifyChain scans [startSeq, …) in batches of batchSize ordered by
// sequence number. For each record it checks that previous_hash links
// to the prior record's record_hash (or the sentinel at sequence 1),
// and that the record's own recomputed hash matches its stored
// record_hash. It returns the first offending sequence number, or nil
// if every scanned record verifies.
func (l *Log) VerifyChain(ctx context.Context, startSeq int64, batchSize int) (bool, *int64, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	if startSeq <= 0 {
		startSeq = 1
	}

	var expectedPrevHash string
	if startSeq == 1 {
		expectedPrevHash = sentinelHash
	} else {
		var prior dbstore.AuditRecord
		err := l.db.WithContext(ctx).Where("sequence_number = ?", startSeq-1).First(&prior).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return true, nil, nil
			}
			return false, nil, err
		}
		expectedPrevHash = prior.RecordHash
	}

	cursor := startSeq
	for {
		var batch []dbstore.AuditRecord
		err := l.db.WithContext(ctx).
			Where("sequence_number >= ?", cursor).
			Order("sequence_number ASC").
			Limit(batchSize).
			Find(&batch).Error
		if err != nil {
			return false, nil, err
		}
		if len(batch) == 0 {
			return true, nil, nil
		}

		for _, rec := range batch {
			if rec.PreviousHash != expectedPrevHash {
				bad := rec.SequenceNumber
				return false, &bad, nil
			}
			if computeHash(rec) != rec.RecordHash {
				bad := rec.SequenceNumber
				return false, &bad, nil
			}
			expectedPrevHash = rec.RecordHash
			cursor = rec.SequenceNumber + 1
		}
	}
}

// ChainOfCustody returns every AuditRecord scoped to one
// (resource_type, resource_id) pair, in chain order.
func (l *Log) ChainOfCustody(ctx context.Context, resourceType, resourceID string) ([]dbstore.AuditRecord, error) {
	var records []dbstore.AuditRecord
	err := l.db.WithContext(ctx).
		Where("resource_type = ? AND resource_id = ?", resourceType, resourceID).
		Order("sequence_number ASC").
		Find(&records).Error
	return records, err
}

// FailedAuthAttempts returns the most recent failed/denied
// authentication events within the last `hours` hours, newest first.
func (l *Log) FailedAuthAttempts(ctx context.Context, hours int, limit int) ([]dbstore.AuditRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	var records []dbstore.AuditRecord
	err := l.db.WithContext(ctx).
		Where("action LIKE ? AND outcome IN ? AND event_timestamp >= ?", "auth.%", []string{"failure", "denied"}, since).
		Order("event_timestamp DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}
