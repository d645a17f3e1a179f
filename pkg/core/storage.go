package core

import (
	"context"
	"time"
)

// JobStore persists jobs and their retry bookkeeping.
type JobStore interface {
	// Job lifecycle
	Enqueue(ctx context.Context, job *Job) error
	Requeue(ctx context.Context, job *Job) error
	Dequeue(ctx context.Context, queues []string, workerID string) (*Job, error)
	Complete(ctx context.Context, jobID string, workerID string) error
	Reschedule(ctx context.Context, jobID string, workerID string, attempt int, errMsg string, kind Kind, runAt time.Time) error
	Finish(ctx context.Context, jobID string, workerID string, status JobStatus, errMsg string, kind Kind) error

	// Locking
	Heartbeat(ctx context.Context, jobID string, workerID string) error
	ReleaseStaleLocks(ctx context.Context, staleDuration time.Duration) (int64, error)

	// Cooperative cancellation
	RequestCancel(ctx context.Context, jobID string) (*Job, error)
	Checkpoint(ctx context.Context, jobID string, name string) (cancelRequested bool, err error)

	// Queries
	GetJob(ctx context.Context, jobID string) (*Job, error)
	GetJobsByStatus(ctx context.Context, status JobStatus, limit int) ([]*Job, error)
}

// DeadLetterStore persists dead-letter entries and replay batches.
type DeadLetterStore interface {
	UpsertDeadLetter(ctx context.Context, entry *DeadLetterEntry) (*DeadLetterEntry, error)
	GetDeadLetter(ctx context.Context, id string) (*DeadLetterEntry, error)
	DeadLetterAreas(ctx context.Context) ([]DeadLetterAreaStats, error)
	PendingDeadLetters(ctx context.Context, area string, limit int) ([]*DeadLetterEntry, error)
	MarkDeadLetterReplayed(ctx context.Context, id string, batchID string, at time.Time) error
	RecordReplayFailure(ctx context.Context, id string, errMsg string) error
	DiscardDeadLetter(ctx context.Context, id string, at time.Time) error

	CreateReplayBatch(ctx context.Context, batch *ReplayBatch) error
	FinishReplayBatch(ctx context.Context, batch *ReplayBatch) error
	GetReplayBatch(ctx context.Context, id string) (*ReplayBatch, error)
}

// IdempotencyStore persists idempotency records.
// CreateIdempotency returns ErrDuplicate when (principal, key) already exists.
// CompleteIdempotency and ReleaseIdempotency only touch a processing record
// still held at lockVersion and return ErrNotProcessing otherwise.
type IdempotencyStore interface {
	GetIdempotency(ctx context.Context, principal, key string) (*IdempotencyRecord, error)
	CreateIdempotency(ctx context.Context, rec *IdempotencyRecord) error
	ReclaimIdempotency(ctx context.Context, rec *IdempotencyRecord) (bool, error)
	CompleteIdempotency(ctx context.Context, principal, key string, lockVersion int, status int, body []byte, contentType string, expiresAt time.Time) error
	ReleaseIdempotency(ctx context.Context, principal, key string, lockVersion int) error
	PurgeIdempotency(ctx context.Context, before time.Time) (int64, error)
}

// WebhookStore persists accepted webhook events.
// CreateWebhookEvent returns ErrDuplicate when (provider, event_id) already exists.
type WebhookStore interface {
	CreateWebhookEvent(ctx context.Context, ev *WebhookEvent) error
	GetWebhookEvent(ctx context.Context, provider, eventID string) (*WebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, provider, eventID, entityRef string, at time.Time) error
	PruneWebhookEvents(ctx context.Context, before time.Time) (int64, error)
}

// AuditStore is append-only: there is no way to update or delete an entry.
// InsertAuditEntry returns ErrDuplicate when another entry already links to the same predecessor.
type AuditStore interface {
	LastAuditEntry(ctx context.Context, scopeType, scopeID string) (*AuditLogEntry, error)
	InsertAuditEntry(ctx context.Context, entry *AuditLogEntry) error
	AuditEntries(ctx context.Context, scopeType, scopeID string, afterID uint64, limit int) ([]*AuditLogEntry, error)
}

// Storage defines the complete persistence layer.
type Storage interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	JobStore
	DeadLetterStore
	IdempotencyStore
	WebhookStore
	AuditStore

	// WithTx runs fn inside a transaction. The Storage passed to fn is bound
	// to the transaction; fn's error rolls everything back.
	WithTx(ctx context.Context, fn func(tx Storage) error) error
}
