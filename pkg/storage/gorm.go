package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/job-reliability/pkg/core"
	"github.com/jdziat/job-reliability/pkg/security"
)

// DefaultLockDuration is how long a dequeued job stays locked without a heartbeat.
const DefaultLockDuration = 5 * time.Minute

// GormStorage implements core.Storage using GORM.
type GormStorage struct {
	db           *gorm.DB
	sqlite       bool
	lockDuration time.Duration
}

var _ core.Storage = (*GormStorage)(nil)

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	s := &GormStorage{db: db, lockDuration: DefaultLockDuration}
	if db != nil && db.Dialector != nil {
		s.sqlite = db.Dialector.Name() == "sqlite"
	}
	return s
}

// WithLockDuration returns a copy of s that locks dequeued jobs for d.
func (s *GormStorage) WithLockDuration(d time.Duration) *GormStorage {
	cp := *s
	if d > 0 {
		cp.lockDuration = d
	}
	return &cp
}

// DB returns the underlying *gorm.DB.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// Close closes the underlying connection pool.
func (s *GormStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IsSQLite reports whether the storage runs on SQLite.
func (s *GormStorage) IsSQLite() bool {
	return s.sqlite
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&core.Job{},
		&core.DeadLetterEntry{},
		&core.ReplayBatch{},
		&core.IdempotencyRecord{},
		&core.WebhookEvent{},
		&core.AuditLogEntry{},
	)
}

// WithTx runs fn in a transaction. Nested calls use savepoints.
func (s *GormStorage) WithTx(ctx context.Context, fn func(tx core.Storage) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.bind(tx))
	})
}

func (s *GormStorage) bind(tx *gorm.DB) *GormStorage {
	cp := *s
	cp.db = tx
	return &cp
}

// createUnique inserts v inside a savepoint so that a unique violation does
// not abort an enclosing PostgreSQL transaction.
func (s *GormStorage) createUnique(ctx context.Context, v any) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(v).Error
	})
	if isUniqueViolation(err) {
		return core.ErrDuplicate
	}
	return err
}

// isUniqueViolation recognises unique/primary key violations from GORM's
// translated errors, pgx and go-sqlite3.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// Enqueue adds a job to the queue. An existing ID yields core.ErrDuplicate.
func (s *GormStorage) Enqueue(ctx context.Context, job *core.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.StatusPending
	}
	if job.Queue == "" {
		job.Queue = "default"
	}
	return s.createUnique(ctx, job)
}

// Requeue dispatches job again. A job whose ID is unknown is inserted; a job
// in a terminal status is reset to pending with a fresh attempt counter; a
// job that is still pending or running is left alone.
func (s *GormStorage) Requeue(ctx context.Context, job *core.Job) error {
	if job.ID == "" {
		return s.Enqueue(ctx, job)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing core.Job
		err := tx.First(&existing, "id = ?", job.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.bind(tx).Enqueue(ctx, job)
		}
		if err != nil {
			return err
		}
		if !existing.Status.Terminal() {
			*job = existing
			return nil
		}
		return tx.Model(&core.Job{}).
			Where("id = ?", job.ID).
			Updates(map[string]any{
				"status":           core.StatusPending,
				"attempt":          0,
				"args":             job.Args,
				"headers":          job.Headers,
				"run_at":           job.RunAt,
				"started_at":       nil,
				"completed_at":     nil,
				"locked_by":        "",
				"locked_until":     nil,
				"cancel_requested": false,
				"last_checkpoint":  "",
			}).Error
	})
}

// Dequeue fetches and locks the next available job. On PostgreSQL the
// candidate row is selected with FOR UPDATE SKIP LOCKED; elsewhere the
// conditional update is the claim.
func (s *GormStorage) Dequeue(ctx context.Context, queues []string, workerID string) (*core.Job, error) {
	var job core.Job
	now := time.Now()
	lockUntil := now.Add(s.lockDuration)
	claimed := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("queue IN ?", queues).
			Where("status = ?", core.StatusPending).
			Where("(run_at IS NULL OR run_at <= ?)", now).
			Where("(locked_until IS NULL OR locked_until < ?)", now).
			Order("priority DESC, created_at ASC")
		if !s.sqlite {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		result := q.First(&job)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return nil
			}
			return result.Error
		}

		update := tx.Model(&core.Job{}).
			Where("id = ? AND status = ?", job.ID, core.StatusPending).
			Updates(map[string]any{
				"status":            core.StatusRunning,
				"locked_by":         workerID,
				"locked_until":      lockUntil,
				"started_at":        now,
				"last_heartbeat_at": now,
			})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			return nil
		}

		job.Status = core.StatusRunning
		job.LockedBy = workerID
		job.LockedUntil = &lockUntil
		job.StartedAt = &now
		job.LastHeartbeatAt = &now
		claimed = true
		return nil
	})

	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, nil
	}
	return &job, nil
}

// Complete marks a job as successfully completed.
// Validates that the worker owns the job before completing.
func (s *GormStorage) Complete(ctx context.Context, jobID string, workerID string) error {
	return s.Finish(ctx, jobID, workerID, core.StatusCompleted, "", "")
}

// Reschedule releases the job with an incremented attempt counter and a
// future run_at. Error messages are sanitized before storage.
func (s *GormStorage) Reschedule(ctx context.Context, jobID, workerID string, attempt int, errMsg string, kind core.Kind, runAt time.Time) error {
	return s.ownedUpdate(ctx, jobID, workerID, map[string]any{
		"status":          core.StatusPending,
		"attempt":         attempt,
		"last_error":      security.SanitizeErrorMessage(errMsg),
		"last_error_kind": kind,
		"run_at":          runAt,
		"locked_by":       "",
		"locked_until":    nil,
	})
}

// Finish moves an owned job to a terminal status.
func (s *GormStorage) Finish(ctx context.Context, jobID, workerID string, status core.JobStatus, errMsg string, kind core.Kind) error {
	updates := map[string]any{
		"status":       status,
		"completed_at": time.Now(),
		"locked_by":    "",
		"locked_until": nil,
	}
	if errMsg != "" {
		updates["last_error"] = security.SanitizeErrorMessage(errMsg)
	}
	if kind != "" {
		updates["last_error_kind"] = kind
	}
	return s.ownedUpdate(ctx, jobID, workerID, updates)
}

func (s *GormStorage) ownedUpdate(ctx context.Context, jobID, workerID string, updates map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ? AND status = ?", jobID, workerID, core.StatusRunning).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// Heartbeat extends the lock on a running job.
func (s *GormStorage) Heartbeat(ctx context.Context, jobID string, workerID string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ? AND status = ?", jobID, workerID, core.StatusRunning).
		Updates(map[string]any{
			"locked_until":      now.Add(s.lockDuration),
			"last_heartbeat_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// ReleaseStaleLocks releases locks on jobs that haven't had a heartbeat.
func (s *GormStorage) ReleaseStaleLocks(ctx context.Context, staleDuration time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleDuration)
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("status = ?", core.StatusRunning).
		Where("locked_until < ?", cutoff).
		Updates(map[string]any{
			"status":       core.StatusPending,
			"locked_by":    "",
			"locked_until": nil,
		})
	return result.RowsAffected, result.Error
}

// RequestCancel asks for a job to stop. A pending job is cancelled at once;
// a running job is flagged and stops at its next checkpoint.
func (s *GormStorage) RequestCancel(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return core.ErrNotFound
			}
			return err
		}
		if job.Status.Terminal() {
			return nil
		}

		updates := map[string]any{"cancel_requested": true}
		if job.Status == core.StatusPending {
			now := time.Now()
			updates["status"] = core.StatusCancelled
			updates["completed_at"] = now
			job.Status = core.StatusCancelled
			job.CompletedAt = &now
		}
		job.CancelRequested = true
		return tx.Model(&core.Job{}).Where("id = ?", jobID).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Checkpoint records the last checkpoint reached by a job and reports
// whether cancellation was requested.
func (s *GormStorage) Checkpoint(ctx context.Context, jobID string, name string) (bool, error) {
	db := s.db.WithContext(ctx)
	if err := db.Model(&core.Job{}).Where("id = ?", jobID).Update("last_checkpoint", name).Error; err != nil {
		return false, err
	}
	var job core.Job
	if err := db.Select("id", "cancel_requested").First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, core.ErrNotFound
		}
		return false, err
	}
	return job.CancelRequested, nil
}

// GetJob retrieves a job by ID.
func (s *GormStorage) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJobsByStatus retrieves jobs by status, oldest first.
func (s *GormStorage) GetJobsByStatus(ctx context.Context, status core.JobStatus, limit int) ([]*core.Job, error) {
	var jobList []*core.Job
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobList).Error
	return jobList, err
}
