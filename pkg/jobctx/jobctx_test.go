package jobctx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/job-reliability/pkg/classify"
	"github.com/jdziat/job-reliability/pkg/core"
	intctx "github.com/jdziat/job-reliability/pkg/internal/context"
	"github.com/jdziat/job-reliability/pkg/storage"
)

func newTestStorage(t *testing.T) *storage.GormStorage {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s := storage.NewGormStorage(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// runningJob enqueues and claims a job, returning a handler context for it.
func runningJob(t *testing.T, s *storage.GormStorage) (context.Context, *intctx.JobContext) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, &core.Job{Type: "render", Queue: "report", Attempt: 2}))
	job, err := s.Dequeue(ctx, []string{"report"}, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, job)

	jc := &intctx.JobContext{Job: job, Storage: s, WorkerID: "worker-1"}
	return intctx.WithJobContext(ctx, jc), jc
}

func TestJobFromContext(t *testing.T) {
	assert.Nil(t, JobFromContext(context.Background()))
	assert.Empty(t, JobIDFromContext(context.Background()))
	assert.Zero(t, Attempt(context.Background()))

	ctx := intctx.WithJobContext(context.Background(), &intctx.JobContext{Job: &core.Job{ID: "job-1", Attempt: 3}})
	assert.Equal(t, "job-1", JobFromContext(ctx).ID)
	assert.Equal(t, "job-1", JobIDFromContext(ctx))
	assert.Equal(t, 3, Attempt(ctx))
}

func TestSoftDeadline(t *testing.T) {
	_, ok := SoftDeadline(context.Background())
	assert.False(t, ok)

	deadline := time.Now().Add(time.Minute)
	ctx := intctx.WithJobContext(context.Background(), &intctx.JobContext{Job: &core.Job{}, SoftDeadline: deadline})
	got, ok := SoftDeadline(ctx)
	assert.True(t, ok)
	assert.Equal(t, deadline, got)
}

func TestCheckpoint_OutsideJob(t *testing.T) {
	assert.NoError(t, Checkpoint(context.Background(), "step"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Checkpoint(ctx, "step"), context.Canceled)
}

func TestCheckpoint_RecordsProgress(t *testing.T) {
	s := newTestStorage(t)
	ctx, jc := runningJob(t, s)

	require.NoError(t, Checkpoint(ctx, "loaded-inputs"))

	job, err := s.GetJob(context.Background(), jc.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, "loaded-inputs", job.LastCheckpoint)
}

func TestCheckpoint_CancellationRequested(t *testing.T) {
	s := newTestStorage(t)
	ctx, jc := runningJob(t, s)

	_, err := s.RequestCancel(context.Background(), jc.Job.ID)
	require.NoError(t, err)

	err = Checkpoint(ctx, "mesh")
	assert.ErrorIs(t, err, core.ErrCancelled)
	assert.Equal(t, core.KindCancellation, classify.Classify(err))
}

func TestCheckpoint_SoftTimeLimit(t *testing.T) {
	s := newTestStorage(t)
	ctx, jc := runningJob(t, s)
	jc.SoftDeadline = time.Now().Add(-time.Second)

	err := Checkpoint(ctx, "solve")
	assert.ErrorIs(t, err, core.ErrSoftTimeLimit)
	assert.Equal(t, core.KindRetryable, classify.Classify(err))
}

func TestCheckpoint_ContextCause(t *testing.T) {
	s := newTestStorage(t)
	base, _ := runningJob(t, s)
	ctx, cancel := context.WithCancelCause(base)
	cause := errors.New("hard time limit")
	cancel(cause)

	assert.Same(t, cause, Checkpoint(ctx, "solve"))
}

func TestCheckpoint_MissingJob(t *testing.T) {
	s := newTestStorage(t)
	ctx := intctx.WithJobContext(context.Background(), &intctx.JobContext{Job: &core.Job{ID: "gone"}, Storage: s})
	assert.ErrorIs(t, Checkpoint(ctx, "step"), core.ErrNotFound)
}
