// Package reliability decides what happens when background work fails:
// retry with backoff, hand off to a dead-letter area, or drop. It also
// guards externally triggered requests against duplicate effects and keeps
// a tamper-evident audit trail of state changes.
//
// This is the main package users should import. It re-exports the public
// types of the pkg/ packages.
//
// Basic usage:
//
//	store, _ := reliability.Open("sqlite", "jobs.db")
//	store.Migrate(ctx)
//	queue := reliability.New(store)
//
//	queue.Register("send-email", func(ctx context.Context, to string) error {
//	    if err := send(to); err != nil {
//	        return reliability.Network(err) // retried with backoff
//	    }
//	    return nil
//	})
//	queue.Enqueue(ctx, "send-email", "user@example.com")
//
//	worker := reliability.NewWorker(queue)
//	worker.Start(ctx)
package reliability

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/job-reliability/pkg/audit"
	"github.com/jdziat/job-reliability/pkg/backoff"
	"github.com/jdziat/job-reliability/pkg/classify"
	"github.com/jdziat/job-reliability/pkg/core"
	"github.com/jdziat/job-reliability/pkg/deadletter"
	"github.com/jdziat/job-reliability/pkg/idempotency"
	"github.com/jdziat/job-reliability/pkg/jobctx"
	"github.com/jdziat/job-reliability/pkg/queue"
	"github.com/jdziat/job-reliability/pkg/retry"
	"github.com/jdziat/job-reliability/pkg/storage"
	"github.com/jdziat/job-reliability/pkg/worker"
)

type (
	// Job represents a unit of work to be processed.
	Job = core.Job

	// JobStatus represents the current state of a job.
	JobStatus = core.JobStatus

	// Kind is the classification of a failure.
	Kind = core.Kind

	// Envelope is the dispatch form of a job.
	Envelope = core.Envelope

	// Storage defines the persistence layer.
	Storage = core.Storage

	// GormStorage implements Storage using GORM.
	GormStorage = storage.GormStorage

	// Event is the interface for all reliability events.
	Event = core.Event

	JobStarted         = core.JobStarted
	JobCompleted       = core.JobCompleted
	JobRetrying        = core.JobRetrying
	JobDeadLettered    = core.JobDeadLettered
	JobDropped         = core.JobDropped
	DeadLetterReplayed = core.DeadLetterReplayed

	// Queue manages handler registration and enqueueing.
	Queue = queue.Queue

	// Option configures enqueueing and registration.
	Option = queue.Option

	// Worker processes jobs from the queue.
	Worker = worker.Worker

	// WorkerOption configures a Worker.
	WorkerOption = worker.WorkerOption

	// Policy holds the retry limits of one queue.
	Policy = retry.Policy

	// PolicyTable maps queues to policies.
	PolicyTable = retry.Table

	// Decision is the outcome of a retry decision.
	Decision = retry.Decision

	// Jitter selects how backoff delays are randomised.
	Jitter = backoff.Jitter

	// DeadLetterEntry is one message in a dead-letter area.
	DeadLetterEntry = core.DeadLetterEntry

	// DeadLetterHandler stores, inspects and replays dead letters.
	DeadLetterHandler = deadletter.Handler

	// ReplayRequest asks for a dead-letter area to be replayed.
	ReplayRequest = deadletter.ReplayRequest

	// IdempotencyGuard deduplicates requests and webhook deliveries.
	IdempotencyGuard = idempotency.Guard

	// AuditLogger appends to and verifies hash-chained audit logs.
	AuditLogger = audit.Logger

	// AuditScope names one audit chain.
	AuditScope = audit.Scope

	// ChainVerificationError reports the first broken link of a chain.
	ChainVerificationError = core.ChainVerificationError
)

// Status constants
const (
	StatusPending      = core.StatusPending
	StatusRunning      = core.StatusRunning
	StatusCompleted    = core.StatusCompleted
	StatusDeadLettered = core.StatusDeadLettered
	StatusCancelled    = core.StatusCancelled
)

// Failure kinds
const (
	KindRetryable    = core.KindRetryable
	KindNonRetryable = core.KindNonRetryable
	KindCancellation = core.KindCancellation
	KindFatal        = core.KindFatal
)

// Jitter modes
const (
	JitterNone    = backoff.JitterNone
	JitterBounded = backoff.JitterBounded
	JitterFull    = backoff.JitterFull
)

// Cancellation modes
const (
	CancelAtCheckpoint = queue.CancelAtCheckpoint
	CancelImmediately  = queue.CancelImmediately
)

// Error variables
var (
	ErrCancelled             = core.ErrCancelled
	ErrSoftTimeLimit         = core.ErrSoftTimeLimit
	ErrDuplicate             = core.ErrDuplicate
	ErrNotFound              = core.ErrNotFound
	ErrKeyReuseConflict      = core.ErrKeyReuseConflict
	ErrRequestInProgress     = core.ErrRequestInProgress
	ErrJustificationTooShort = core.ErrJustificationTooShort
	ErrNoPublisher           = core.ErrNoPublisher
)

// Open connects to a "sqlite" or "postgres" database.
func Open(driver, dsn string) (*GormStorage, error) {
	return storage.Open(driver, dsn)
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return storage.NewGormStorage(db)
}

// New creates a new Queue with the given storage backend.
func New(s Storage) *Queue {
	return queue.New(s)
}

// NewWorker creates a new worker for the given queue.
func NewWorker(q *Queue, opts ...WorkerOption) *Worker {
	return worker.NewWorker(q, opts...)
}

// NewPolicyTable creates a policy table with the given fallback.
func NewPolicyTable(fallback Policy, policies ...Policy) *PolicyTable {
	return retry.NewTable(fallback, policies...)
}

// DefaultPolicies returns the stock queue policies.
func DefaultPolicies() *PolicyTable {
	return retry.DefaultTable()
}

// NewDeadLetterHandler creates a dead-letter handler that replays through publisher.
func NewDeadLetterHandler(s Storage, publisher deadletter.Publisher, opts ...deadletter.Option) *DeadLetterHandler {
	return deadletter.New(s, publisher, opts...)
}

// NewIdempotencyGuard creates a guard over s.
func NewIdempotencyGuard(s idempotency.Store, opts ...idempotency.Option) *IdempotencyGuard {
	return idempotency.New(s, opts...)
}

// NewAuditLogger creates an audit logger over s.
func NewAuditLogger(s core.AuditStore, opts ...audit.Option) *AuditLogger {
	return audit.New(s, opts...)
}

// Classify returns the kind of err.
func Classify(err error) Kind {
	return classify.Classify(err)
}

// Error wrappers

// NoRetry marks err as not worth retrying.
func NoRetry(err error) error { return core.NoRetry(err) }

// RetryAfter marks err as retryable after d.
func RetryAfter(d time.Duration, err error) error { return core.RetryAfter(d, err) }

// Transient marks err as a temporary failure.
func Transient(err error) error { return core.Transient(err) }

// Network marks err as a connectivity failure.
func Network(err error) error { return core.Network(err) }

// Timeout marks err as a timeout.
func Timeout(err error) error { return core.Timeout(err) }

// RateLimited marks err as throttled, retryable after retryAfter when positive.
func RateLimited(retryAfter time.Duration, err error) error {
	return core.RateLimited(retryAfter, err)
}

// Validation marks err as bad input.
func Validation(err error) error { return core.Validation(err) }

// Unrecoverable marks err as fatal.
func Unrecoverable(err error) error { return core.Unrecoverable(err) }

// Job option functions

// QueueOpt sets the queue name.
func QueueOpt(name string) Option { return queue.QueueOpt(name) }

// Priority sets the job priority (higher = runs first).
func Priority(p int) Option { return queue.Priority(p) }

// MaxAttempts overrides the queue policy's retry limit for one job.
func MaxAttempts(n int) Option { return queue.MaxAttempts(n) }

// Delay schedules the job to run after a duration.
func Delay(d time.Duration) Option { return queue.Delay(d) }

// At schedules the job to run at a specific time.
func At(t time.Time) Option { return queue.At(t) }

// TaskID sets the job ID. Enqueueing an existing ID fails with ErrDuplicate.
func TaskID(id string) Option { return queue.TaskID(id) }

// Worker option functions

// Concurrency sets the concurrency for a queue.
func Concurrency(n int) WorkerOption { return worker.Concurrency(n) }

// WorkerQueue adds a queue to process with optional concurrency.
func WorkerQueue(name string, opts ...WorkerOption) WorkerOption {
	return worker.WorkerQueue(name, opts...)
}

// Handler helpers

// JobFromContext returns the current Job from context, or nil if not in a job handler.
func JobFromContext(ctx context.Context) *Job {
	return jobctx.JobFromContext(ctx)
}

// Checkpoint records progress and reports whether the handler should stop.
func Checkpoint(ctx context.Context, name string) error {
	return jobctx.Checkpoint(ctx, name)
}
