package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/job-reliability/pkg/audit"
	"github.com/jdziat/job-reliability/pkg/core"
	"github.com/jdziat/job-reliability/pkg/idempotency"
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

// ──────────────────────────────────────────────────────────────────────────────
// Schedules
// ──────────────────────────────────────────────────────────────────────────────

func TestEvery(t *testing.T) {
	s := Every(time.Hour)
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	next1 := s.Next(start)
	next2 := s.Next(next1)

	assert.Equal(t, time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC), next1)
	assert.Equal(t, time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC), next2)
}

func TestDaily(t *testing.T) {
	s := Daily(3, 30)

	from := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 1, 3, 30, 0, 0, time.UTC), s.Next(from))

	from = time.Date(2024, 1, 1, 3, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 30, 0, 0, time.UTC), s.Next(from), "exact time rolls to the next day")
}

func TestParseSchedule(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) // Monday

	tests := []struct {
		expr string
		want time.Time
	}{
		{"daily 03:30", time.Date(2024, 1, 1, 3, 30, 0, 0, time.UTC)},
		{"@hourly", time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)},
		{"@every 15m", time.Date(2024, 1, 1, 0, 15, 0, 0, time.UTC)},
		{"30 14 * * 1-5", time.Date(2024, 1, 1, 14, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			s, err := ParseSchedule(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Next(from))
		})
	}

	for _, bad := range []string{"invalid cron", "daily 25:99", "@every nope"} {
		_, err := ParseSchedule(bad)
		assert.Error(t, err, bad)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Runner
// ──────────────────────────────────────────────────────────────────────────────

func TestNew_RejectsBadSchedule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PruneWebhooks = "sometimes"
	_, err := New(nil, nil, nil, WithConfig(cfg))
	assert.ErrorContains(t, err, string(TaskPruneWebhooks))
}

func TestNew_EmptyScheduleDisablesTask(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReleaseStaleLocks = ""
	r, err := New(nil, nil, nil, WithConfig(cfg))
	require.NoError(t, err)
	assert.Equal(t, []Task{TaskPurgeIdempotency, TaskPruneWebhooks}, r.Scheduled())
}

func TestRunOnce_PurgeIdempotencyIsAudited(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	guard := idempotency.New(s, idempotency.WithClock(func() time.Time { return now }))
	auditor := audit.New(s)

	req := idempotency.Request{Principal: "tenant-1", Key: "k1", RequestHash: idempotency.HashRequest(nil), Method: "POST", Path: "/orders"}
	_, err := guard.BeginOrFetch(ctx, req)
	require.NoError(t, err)
	require.NoError(t, guard.Complete(ctx, req.Principal, req.Key, 0, 201, []byte("{}"), "application/json"))
	now = now.Add(idempotency.DefaultTTL + time.Minute)

	r, err := New(s, guard, auditor)
	require.NoError(t, err)

	n, err := r.RunOnce(ctx, TaskPurgeIdempotency)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := auditor.Entries(ctx, audit.Scope{Type: AuditScopeType, ID: string(TaskPurgeIdempotency)}, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "maintenance.completed", entries[0].EventType)
	require.NotNil(t, entries[0].Actor)
	assert.Equal(t, "system:maintenance", *entries[0].Actor)
}

func TestRunOnce_ReleaseStaleLocks(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	require.NoError(t, s.Enqueue(ctx, &core.Job{ID: "j1", Type: "work", Queue: "default"}))
	_, err := s.Dequeue(ctx, []string{"default"}, "dead-worker")
	require.NoError(t, err)
	require.NoError(t, s.DB().Model(&core.Job{}).Where("id = ?", "j1").
		Update("locked_until", time.Now().Add(-time.Hour)).Error)

	r, err := New(s, idempotency.New(s), audit.New(s))
	require.NoError(t, err)

	n, err := r.RunOnce(ctx, TaskReleaseStaleLocks)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, job.Status)
	assert.Empty(t, job.LockedBy)
}

func TestRunOnce_UnknownTask(t *testing.T) {
	r, err := New(nil, nil, nil)
	require.NoError(t, err)
	_, err = r.RunOnce(context.Background(), Task("vacuum"))
	assert.Error(t, err)
}

func TestRun_ExecutesScheduledTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newTestStorage(t)
	require.NoError(t, s.Enqueue(ctx, &core.Job{ID: "j1", Type: "work", Queue: "default"}))
	_, err := s.Dequeue(ctx, []string{"default"}, "dead-worker")
	require.NoError(t, err)
	require.NoError(t, s.DB().Model(&core.Job{}).Where("id = ?", "j1").
		Update("locked_until", time.Now().Add(-time.Hour)).Error)

	r, err := New(s, idempotency.New(s), audit.New(s), WithConfig(Config{
		ReleaseStaleLocks: "@every 1s",
		StaleLockGrace:    time.Minute,
	}))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	assert.Eventually(t, func() bool {
		job, err := s.GetJob(context.Background(), "j1")
		return err == nil && job.Status == core.StatusPending
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
