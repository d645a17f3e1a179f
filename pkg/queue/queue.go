package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/jdziat/job-reliability/pkg/core"
	"github.com/jdziat/job-reliability/pkg/internal/handler"
	"github.com/jdziat/job-reliability/pkg/retry"
	"github.com/jdziat/job-reliability/pkg/security"
)

// Queue manages job registration, enqueueing, and processing.
type Queue struct {
	storage  core.Storage
	policies *retry.Table
	handlers map[string]*handler.Handler
	logger   *slog.Logger
	mu       sync.RWMutex

	// Hooks
	onStart      []func(context.Context, *core.Job)
	onComplete   []func(context.Context, *core.Job)
	onRetry      []func(context.Context, *core.Job, int, error)
	onDeadLetter []func(context.Context, *core.Job, *core.DeadLetterEntry, error)
	onDrop       []func(context.Context, *core.Job, error)

	// Event stream
	eventSubs []chan core.Event

	// Running job cancellation registry (used by workers to register cancel funcs)
	runningJobs   map[string]context.CancelCauseFunc
	runningJobsMu sync.Mutex
}

// New creates a new Queue with the given storage backend and the default
// retry policies.
func New(s core.Storage) *Queue {
	return &Queue{
		storage:     s,
		policies:    retry.DefaultTable(),
		handlers:    make(map[string]*handler.Handler),
		logger:      slog.Default(),
		runningJobs: make(map[string]context.CancelCauseFunc),
	}
}

// SetPolicies replaces the per-queue retry policies.
func (q *Queue) SetPolicies(t *retry.Table) {
	q.mu.Lock()
	q.policies = t
	q.mu.Unlock()
}

// SetLogger sets the structured logger.
func (q *Queue) SetLogger(l *slog.Logger) {
	q.mu.Lock()
	q.logger = l
	q.mu.Unlock()
}

// Policy returns the retry policy of queue.
func (q *Queue) Policy(queue string) retry.Policy {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.policies.For(queue)
}

// Policies returns the retry policy table.
func (q *Queue) Policies() *retry.Table {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.policies
}

// Register registers a job handler function.
// The function must have signature: func(ctx context.Context, args T) error
// Job type names must be alphanumeric (starting with a letter), max 255 chars.
// QueueOpt sets the queue jobs of this type go to by default.
func (q *Queue) Register(name string, fn any, opts ...Option) {
	if err := security.ValidateJobTypeName(name); err != nil {
		panic(fmt.Sprintf("reliability: invalid handler name %q: %v", name, err))
	}

	h, err := handler.NewHandler(fn)
	if err != nil {
		panic(fmt.Sprintf("reliability: handler for %q: %v", name, err))
	}

	o := NewOptions()
	for _, opt := range opts {
		opt.Apply(o)
	}
	h.Queue = o.Queue
	if h.Queue == "" {
		h.Queue = retry.DefaultQueue
	}
	if err := security.ValidateQueueName(h.Queue); err != nil {
		panic(fmt.Sprintf("reliability: handler for %q: %v", name, err))
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

// HasHandler checks if a handler is registered.
func (q *Queue) HasHandler(name string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.handlers[name]
	return ok
}

// GetHandler returns a handler by name.
func (q *Queue) GetHandler(name string) (*handler.Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[name]
	return h, ok
}

// Enqueue adds a job to the queue and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, name string, args any, opts ...Option) (string, error) {
	h, ok := q.GetHandler(name)
	if !ok {
		return "", fmt.Errorf("reliability: no handler registered for %q", name)
	}

	options := NewOptions()
	for _, opt := range opts {
		opt.Apply(options)
	}
	if options.Queue == "" {
		options.Queue = h.Queue
	}
	if err := security.ValidateQueueName(options.Queue); err != nil {
		return "", err
	}

	argsBytes, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("reliability: failed to marshal args: %w", err)
	}
	if len(argsBytes) > security.MaxJobArgsSize {
		return "", core.ErrJobArgsTooLarge
	}

	maxAttempts := q.Policy(options.Queue).MaxAttempts
	if options.MaxAttempts != nil {
		maxAttempts = *options.MaxAttempts
	}

	job := &core.Job{
		ID:          options.TaskID,
		Type:        name,
		Args:        argsBytes,
		Queue:       options.Queue,
		Priority:    options.Priority,
		MaxAttempts: maxAttempts,
		Status:      core.StatusPending,
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if options.Delay > 0 {
		runAt := time.Now().Add(options.Delay)
		job.RunAt = &runAt
	}
	if options.RunAt != nil {
		job.RunAt = options.RunAt
	}

	if err := q.storage.Enqueue(ctx, job); err != nil {
		if errors.Is(err, core.ErrDuplicate) {
			return "", err
		}
		return "", fmt.Errorf("reliability: failed to enqueue: %w", err)
	}
	return job.ID, nil
}

// Publish dispatches env into the job table. A terminal job with the same
// task ID is reset to pending with a fresh attempt counter; a job that is
// still pending or running is left alone. It lets dead-letter replays
// re-dispatch to the original queue.
func (q *Queue) Publish(ctx context.Context, env core.Envelope) error {
	if err := security.ValidateQueueName(env.Queue); err != nil {
		return core.NoRetry(err)
	}
	if err := security.ValidateJobTypeName(env.Type); err != nil {
		return core.NoRetry(err)
	}
	if len(env.Payload) > security.MaxJobArgsSize {
		return core.NoRetry(core.ErrJobArgsTooLarge)
	}

	headers, err := json.Marshal(env.Headers)
	if err != nil {
		return err
	}
	job := &core.Job{
		ID:          env.TaskID,
		Type:        env.Type,
		Args:        []byte(env.Payload),
		Queue:       env.Queue,
		Attempt:     env.Headers.Attempt,
		MaxAttempts: q.Policy(env.Queue).MaxAttempts,
		Status:      core.StatusPending,
		Headers:     datatypes.JSON(headers),
	}
	if err := q.storage.Requeue(ctx, job); err != nil {
		return fmt.Errorf("reliability: publish %s: %w", env.TaskID, err)
	}
	return nil
}

// Storage returns the underlying storage.
func (q *Queue) Storage() core.Storage {
	return q.storage
}

// Logger returns the structured logger.
func (q *Queue) Logger() *slog.Logger {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.logger
}

// OnJobStart registers a callback for when a job starts.
func (q *Queue) OnJobStart(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.onStart = append(q.onStart, fn)
	q.mu.Unlock()
}

// OnJobComplete registers a callback for when a job completes successfully.
func (q *Queue) OnJobComplete(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.onComplete = append(q.onComplete, fn)
	q.mu.Unlock()
}

// OnRetry registers a callback for when a failed job is rescheduled.
// attempt is the job's attempt count after the failure.
func (q *Queue) OnRetry(fn func(context.Context, *core.Job, int, error)) {
	q.mu.Lock()
	q.onRetry = append(q.onRetry, fn)
	q.mu.Unlock()
}

// OnDeadLetter registers a callback for when a job is dead-lettered.
func (q *Queue) OnDeadLetter(fn func(context.Context, *core.Job, *core.DeadLetterEntry, error)) {
	q.mu.Lock()
	q.onDeadLetter = append(q.onDeadLetter, fn)
	q.mu.Unlock()
}

// OnDrop registers a callback for when a cancelled job is dropped.
func (q *Queue) OnDrop(fn func(context.Context, *core.Job, error)) {
	q.mu.Lock()
	q.onDrop = append(q.onDrop, fn)
	q.mu.Unlock()
}

// Events returns a channel for receiving queue events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (q *Queue) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	q.mu.Lock()
	q.eventSubs = append(q.eventSubs, ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events().
// The channel is not closed; callers must stop reading before calling Unsubscribe.
func (q *Queue) Unsubscribe(ch <-chan core.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, sub := range q.eventSubs {
		if sub == ch {
			q.eventSubs = append(q.eventSubs[:i], q.eventSubs[i+1:]...)
			return
		}
	}
}

// Emit emits an event to all subscribers. Slow subscribers miss events
// rather than block the worker.
func (q *Queue) Emit(e core.Event) {
	q.mu.RLock()
	subs := make([]chan core.Event, len(q.eventSubs))
	copy(subs, q.eventSubs)
	q.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// CallStartHooks calls all registered start hooks.
func (q *Queue) CallStartHooks(ctx context.Context, job *core.Job) {
	q.mu.RLock()
	hooks := append([]func(context.Context, *core.Job){}, q.onStart...)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallCompleteHooks calls all registered complete hooks.
func (q *Queue) CallCompleteHooks(ctx context.Context, job *core.Job) {
	q.mu.RLock()
	hooks := append([]func(context.Context, *core.Job){}, q.onComplete...)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallRetryHooks calls all registered retry hooks.
func (q *Queue) CallRetryHooks(ctx context.Context, job *core.Job, attempt int, err error) {
	q.mu.RLock()
	hooks := append([]func(context.Context, *core.Job, int, error){}, q.onRetry...)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, attempt, err)
	}
}

// CallDeadLetterHooks calls all registered dead-letter hooks.
func (q *Queue) CallDeadLetterHooks(ctx context.Context, job *core.Job, entry *core.DeadLetterEntry, err error) {
	q.mu.RLock()
	hooks := append([]func(context.Context, *core.Job, *core.DeadLetterEntry, error){}, q.onDeadLetter...)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, entry, err)
	}
}

// CallDropHooks calls all registered drop hooks.
func (q *Queue) CallDropHooks(ctx context.Context, job *core.Job, err error) {
	q.mu.RLock()
	hooks := append([]func(context.Context, *core.Job, error){}, q.onDrop...)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, err)
	}
}

// --- Cancellation ---

// CancelMode selects how a running job is cancelled.
type CancelMode int

const (
	// CancelAtCheckpoint flags the job; it stops at its next jobctx.Checkpoint.
	CancelAtCheckpoint CancelMode = iota
	// CancelImmediately also cancels the job's context when it runs in
	// this process.
	CancelImmediately
)

// RegisterRunningJob registers a cancel function for a running job.
// Workers call this when they start executing a job.
func (q *Queue) RegisterRunningJob(jobID string, cancel context.CancelCauseFunc) {
	q.runningJobsMu.Lock()
	q.runningJobs[jobID] = cancel
	q.runningJobsMu.Unlock()
}

// UnregisterRunningJob removes a job from the running registry.
func (q *Queue) UnregisterRunningJob(jobID string) {
	q.runningJobsMu.Lock()
	delete(q.runningJobs, jobID)
	q.runningJobsMu.Unlock()
}

// Cancel asks a job to stop. A pending job is dropped at once; a running
// job is flagged and stops at its next checkpoint, or right away with
// CancelImmediately when it runs in this process. Cancelling a finished
// job is a no-op.
func (q *Queue) Cancel(ctx context.Context, jobID string, mode CancelMode) (*core.Job, error) {
	before, err := q.storage.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if before == nil {
		return nil, core.ErrNotFound
	}
	if before.Status.Terminal() {
		return before, nil
	}

	job, err := q.storage.RequestCancel(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case core.StatusCancelled:
		q.Logger().Info("pending job dropped", "job_id", job.ID, "type", job.Type, "queue", job.Queue)
		q.Emit(&core.JobDropped{Job: job, Error: core.ErrCancelled, Timestamp: time.Now()})
		q.CallDropHooks(ctx, job, core.ErrCancelled)
	case core.StatusRunning:
		if mode == CancelImmediately {
			q.runningJobsMu.Lock()
			cancel, found := q.runningJobs[jobID]
			q.runningJobsMu.Unlock()
			if found {
				cancel(core.ErrCancelled)
			}
		}
	}
	return job, nil
}
