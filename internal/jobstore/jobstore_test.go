package jobstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/voxpipe/transcribeq/internal/dbstore"
)

// newTestDB opens an in-memory sqlite database and migrates the schema
// via AutoMigrate rather than the embedded golang-migrate SQL files, so
// these tests exercise repository logic without depending on dbstore's
// migration runner.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&dbstore.Job{}, &dbstore.Result{}, &dbstore.ErrorLog{}, &dbstore.AuditRecord{}))
	return db
}

func newTestJob() *dbstore.Job {
	return &dbstore.Job{
		OriginalFilename: "sample.wav",
		FilePath:         "/work/sample.wav",
		ByteSize:         1024,
		ModelTier:        "tiny",
		Language:         "auto",
		Priority:         9,
		Status:           StatusPending,
		MaxRetries:       5,
	}
}

func TestCreateAndGetByID(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	job := newTestJob()
	require.NoError(t, repo.Create(ctx, job))
	require.NotEqual(t, uuid.UUID{}, job.ID)

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.OriginalFilename, got.OriginalFilename)
	require.Equal(t, StatusPending, got.Status)
}

func TestGetByIDNotFound(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	_, err := repo.GetByID(context.Background(), uuid.Must(uuid.NewV7()))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionSucceedsOnMatch(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	job := newTestJob()
	require.NoError(t, repo.Create(ctx, job))

	err := repo.Transition(ctx, job.ID, StatusPending, StatusProcessing, map[string]any{
		"worker_id":        "worker-1",
		"progress_percent": 10,
		"current_step":     "acquiring model",
		"started_at":       time.Now().UTC(),
	})
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, got.Status)
	require.Equal(t, "worker-1", got.WorkerID)
	require.NotNil(t, got.StartedAt)
}

func TestTransitionRejectsMismatchedFrom(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	job := newTestJob()
	require.NoError(t, repo.Create(ctx, job))
	require.NoError(t, repo.Transition(ctx, job.ID, StatusPending, StatusProcessing, nil))

	// Second caller racing on the same expected "from" must lose.
	err := repo.Transition(ctx, job.ID, StatusPending, StatusProcessing, nil)
	require.ErrorIs(t, err, ErrConflict)
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	job := newTestJob()
	require.NoError(t, repo.Create(ctx, job))

	err := repo.Transition(ctx, job.ID, StatusPending, StatusCompleted, nil)
	require.ErrorIs(t, err, ErrForbiddenTransition)
}

func TestConcurrentTransitionOnlyOneWinner(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewJobRepository(db)

	job := newTestJob()
	require.NoError(t, repo.Create(ctx, job))

	const attempts = 8
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			results <- repo.Transition(ctx, job.ID, StatusPending, StatusProcessing, nil)
		}()
	}

	successes := 0
	for i := 0; i < attempts; i++ {
		if err := <-results; err == nil {
			successes++
		}
	}
	require.Equal(t, 1, successes)
}

func TestAttachResultRequiresProcessing(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := NewStore(db)

	job := newTestJob()
	require.NoError(t, store.Jobs.Create(ctx, job))

	result := &dbstore.Result{JobID: job.ID, Text: "hello world", Language: "en", OutputPath: "/out/sample.txt"}
	err := store.AttachResult(ctx, job.ID, result)
	require.ErrorIs(t, err, ErrConflict, "AttachResult must reject a job that is not processing")

	require.NoError(t, store.Jobs.Transition(ctx, job.ID, StatusPending, StatusProcessing, nil))
	require.NoError(t, store.AttachResult(ctx, job.ID, result))

	got, err := store.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.Equal(t, 100, got.ProgressPercent)

	storedResult, err := store.Results.GetByJobID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "hello world", storedResult.Text)
}

func TestCancelAcceptsPendingProcessingRetry(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := NewStore(db)

	job := newTestJob()
	require.NoError(t, store.Jobs.Create(ctx, job))
	require.NoError(t, store.Cancel(ctx, job.ID))

	got, err := store.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestCancelRejectsTerminalJob(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := NewStore(db)

	job := newTestJob()
	require.NoError(t, store.Jobs.Create(ctx, job))
	require.NoError(t, store.Cancel(ctx, job.ID))

	err := store.Cancel(ctx, job.ID)
	require.ErrorIs(t, err, ErrConflict)
}

func TestAppendErrorIsIdempotentWithinWindow(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := NewStore(db)

	job := newTestJob()
	require.NoError(t, store.Jobs.Create(ctx, job))

	require.NoError(t, store.AppendError(ctx, job.ID, "EngineError", "boom", "", "{}", time.Minute))
	require.NoError(t, store.AppendError(ctx, job.ID, "EngineError", "boom", "", "{}", time.Minute))

	logs, total, err := store.ErrorLogs.ListUnresolved(ctx, 10, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Len(t, logs, 1)
}

func TestListFiltersByStatusAndPaginates(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	for i := 0; i < 3; i++ {
		j := newTestJob()
		require.NoError(t, repo.Create(ctx, j))
	}
	other := newTestJob()
	require.NoError(t, repo.Create(ctx, other))
	require.NoError(t, repo.Transition(ctx, other.ID, StatusPending, StatusCancelled, nil))

	jobs, total, err := repo.List(ctx, ListOptions{Status: StatusPending, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, int64(3), total)
	require.Len(t, jobs, 2)
}

func TestPurgeEligibleSkipsLegalHold(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewJobRepository(db)

	past := time.Now().UTC().Add(-time.Hour)
	held := newTestJob()
	held.LegalHoldID = "hold-1"
	held.RetentionUntil = &past
	require.NoError(t, repo.Create(ctx, held))
	require.NoError(t, db.Delete(held).Error) // soft-delete

	purgeable := newTestJob()
	purgeable.RetentionUntil = &past
	require.NoError(t, repo.Create(ctx, purgeable))
	require.NoError(t, db.Delete(purgeable).Error)

	n, err := repo.PurgeEligible(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	var survivors int64
	require.NoError(t, db.Unscoped().Model(&dbstore.Job{}).Where("id = ?", held.ID).Count(&survivors).Error)
	require.Equal(t, int64(1), survivors, "legal hold job must survive purge")

	var purged int64
	require.NoError(t, db.Unscoped().Model(&dbstore.Job{}).Where("id = ?", purgeable.ID).Count(&purged).Error)
	require.Equal(t, int64(0), purged, "expired job without legal hold must be purged")
}
