package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/job-reliability/pkg/core"
	"github.com/jdziat/job-reliability/pkg/deadletter"
	intctx "github.com/jdziat/job-reliability/pkg/internal/context"
	"github.com/jdziat/job-reliability/pkg/internal/handler"
	"github.com/jdziat/job-reliability/pkg/metrics"
	"github.com/jdziat/job-reliability/pkg/queue"
	"github.com/jdziat/job-reliability/pkg/retry"
)

// Worker processes jobs from the queue.
type Worker struct {
	queue  *queue.Queue
	config WorkerConfig
	engine *retry.Engine
	dlq    *deadletter.Handler
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewWorker creates a new worker for the given queue.
func NewWorker(q *queue.Queue, opts ...WorkerOption) *Worker {
	config := WorkerConfig{
		Queues:            nil, // Will be set to default if no queue options provided
		PollInterval:      100 * time.Millisecond,
		WorkerID:          uuid.New().String(),
		HeartbeatInterval: DefaultHeartbeatInterval,
	}

	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}

	// If no queues configured, use default
	if config.Queues == nil {
		config.Queues = map[string]int{retry.DefaultQueue: 10}
	}

	if config.StorageRetry == nil {
		defaultCfg := retry.DefaultConfig()
		config.StorageRetry = &defaultCfg
	}
	if config.DequeueRetry == nil {
		// Longer backoff for dequeue to avoid hammering the DB during outages
		dequeueCfg := retry.Config{
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		}
		config.DequeueRetry = &dequeueCfg
	}

	logger := config.Logger
	if logger == nil {
		logger = q.Logger()
	}
	logger = logger.With("worker_id", config.WorkerID)

	engine := config.Engine
	if engine == nil {
		engine = retry.NewEngine()
	}
	dlq := config.DeadLetter
	if dlq == nil {
		dlq = deadletter.New(q.Storage(), q,
			deadletter.WithLogger(logger),
			deadletter.WithEventHandler(q.Emit),
		)
	}

	return &Worker{
		queue:  q,
		config: config,
		engine: engine,
		dlq:    dlq,
		logger: logger,
	}
}

// ID returns the worker's lock identity.
func (w *Worker) ID() string {
	return w.config.WorkerID
}

// Start begins processing jobs. Blocks until context is cancelled, then
// waits for in-flight jobs to be settled.
func (w *Worker) Start(ctx context.Context) error {
	queues := make([]string, 0, len(w.config.Queues))
	for q := range w.config.Queues {
		queues = append(queues, q)
	}

	totalConcurrency := 0
	for _, c := range w.config.Queues {
		totalConcurrency += c
	}

	jobsChan := make(chan *core.Job, totalConcurrency)

	for i := 0; i < totalConcurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, jobsChan)
	}

	w.logger.Info("worker started", "queues", queues, "concurrency", totalConcurrency)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(jobsChan)
			w.wg.Wait()
			w.logger.Info("worker stopped")
			return ctx.Err()
		case <-ticker.C:
			job, err := w.dequeueWithRetry(ctx, queues)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					w.logger.Error("failed to dequeue after retries", "error", err)
				}
				continue
			}
			if job != nil {
				select {
				case jobsChan <- job:
				case <-ctx.Done():
					w.requeue(context.WithoutCancel(ctx), job, "worker stopped before start")
				}
			}
		}
	}
}

// dequeueWithRetry attempts to dequeue a job with exponential backoff on failure.
func (w *Worker) dequeueWithRetry(ctx context.Context, queues []string) (*core.Job, error) {
	var job *core.Job
	err := retry.Do(ctx, *w.config.DequeueRetry, func(ctx context.Context) error {
		var dequeueErr error
		job, dequeueErr = w.queue.Storage().Dequeue(ctx, queues, w.config.WorkerID)
		return dequeueErr
	})
	return job, err
}

func (w *Worker) processLoop(ctx context.Context, jobs <-chan *core.Job) {
	defer w.wg.Done()

	for job := range jobs {
		if ctx.Err() != nil {
			w.requeue(context.WithoutCancel(ctx), job, "worker stopped before start")
			continue
		}
		w.processJob(ctx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job *core.Job) {
	startTime := time.Now()
	policy := w.queue.Policy(job.Queue)
	// Bookkeeping must land even when the worker is shutting down.
	bookCtx := context.WithoutCancel(ctx)

	h, ok := w.queue.GetHandler(job.Type)
	if !ok {
		w.logger.Error("no handler for job", "job_id", job.ID, "type", job.Type)
		w.handleFailure(bookCtx, job, policy, core.NoRetry(fmt.Errorf("no handler registered for %q", job.Type)))
		return
	}

	w.queue.CallStartHooks(ctx, job)
	w.queue.Emit(&core.JobStarted{Job: job, Timestamp: startTime})
	w.logger.Debug("job started", "job_id", job.ID, "type", job.Type, "queue", job.Queue, "attempt", job.Attempt)

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	w.queue.RegisterRunningJob(job.ID, cancel)
	defer w.queue.UnregisterRunningJob(job.ID)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(jobCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job, cancel)

	err := w.executeHandler(jobCtx, cancel, job, h, policy)

	// Stop heartbeat before completing/failing the job
	cancelHeartbeat()
	metrics.JobDuration.WithLabelValues(job.Queue).Observe(time.Since(startTime).Seconds())

	if errors.Is(context.Cause(jobCtx), core.ErrJobNotOwned) {
		w.logger.Warn("abandoning job after losing its lock", "job_id", job.ID, "type", job.Type)
		metrics.JobsProcessed.WithLabelValues(job.Queue, "lost").Inc()
		return
	}

	if err == nil {
		completeErr := retry.Do(bookCtx, *w.config.StorageRetry, func(ctx context.Context) error {
			return w.queue.Storage().Complete(ctx, job.ID, w.config.WorkerID)
		})
		if completeErr != nil {
			w.logger.Error("failed to complete job after retries", "job_id", job.ID, "error", completeErr)
			return
		}
		metrics.JobsProcessed.WithLabelValues(job.Queue, "completed").Inc()
		w.logger.Debug("job completed", "job_id", job.ID, "type", job.Type, "duration", time.Since(startTime))
		w.queue.CallCompleteHooks(ctx, job)
		w.queue.Emit(&core.JobCompleted{Job: job, Duration: time.Since(startTime), Timestamp: time.Now()})
		return
	}

	// Interrupted by shutdown rather than by the job failing: hand it back
	// without charging an attempt.
	if ctx.Err() != nil && !errors.Is(context.Cause(jobCtx), core.ErrCancelled) {
		w.requeue(bookCtx, job, "interrupted by worker shutdown")
		return
	}

	w.handleFailure(bookCtx, job, policy, err)
}

// runHeartbeat periodically extends the job lock during execution.
// Losing the lock cancels the job.
func (w *Worker) runHeartbeat(ctx context.Context, job *core.Job, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := retry.Do(ctx, *w.config.StorageRetry, func(ctx context.Context) error {
				return w.queue.Storage().Heartbeat(ctx, job.ID, w.config.WorkerID)
			})
			switch {
			case errors.Is(err, core.ErrJobNotOwned):
				cancel(core.ErrJobNotOwned)
				return
			case err != nil && ctx.Err() == nil:
				w.logger.Warn("heartbeat failed after retries", "job_id", job.ID, "error", err)
			case err == nil:
				w.logger.Debug("heartbeat sent", "job_id", job.ID)
			}
		}
	}
}

// executeHandler runs the handler under the queue's time limits. The soft
// limit is reported at checkpoints; the hard limit abandons the handler.
func (w *Worker) executeHandler(ctx context.Context, cancel context.CancelCauseFunc, job *core.Job, h *handler.Handler, p retry.Policy) error {
	jc := &intctx.JobContext{
		Job:      job,
		Storage:  w.queue.Storage(),
		WorkerID: w.config.WorkerID,
	}
	if p.SoftTimeLimit > 0 {
		jc.SoftDeadline = time.Now().Add(p.SoftTimeLimit)
	}
	jobCtx := intctx.WithJobContext(ctx, jc)

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &core.PanicError{Value: r}
			}
		}()
		done <- h.Execute(jobCtx, job.Args)
	}()

	var hardLimit <-chan time.Time
	if p.HardTimeLimit > 0 {
		timer := time.NewTimer(p.HardTimeLimit)
		defer timer.Stop()
		hardLimit = timer.C
	}

	select {
	case err := <-done:
		return err
	case <-hardLimit:
		err := hardTimeout(p)
		cancel(err)
		w.logger.Error("job exceeded hard time limit", "job_id", job.ID, "type", job.Type, "limit", p.HardTimeLimit)
		return err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func hardTimeout(p retry.Policy) error {
	err := fmt.Errorf("reliability: hard time limit of %s exceeded", p.HardTimeLimit)
	if p.HardTimeoutKind == core.KindFatal {
		return core.Unrecoverable(err)
	}
	return core.Timeout(err)
}

// handleFailure asks the retry engine what to do with a failed job and
// records the outcome.
func (w *Worker) handleFailure(ctx context.Context, job *core.Job, p retry.Policy, cause error) {
	d := w.engine.Decide(cause, job.Attempt, p)
	metrics.RetryDecisions.WithLabelValues(job.Queue, string(d.Action), string(d.Kind)).Inc()

	attrs := append([]any{"job_id", job.ID, "type", job.Type, "queue", job.Queue, "attempt", job.Attempt, "error", cause}, d.Meta.LogAttrs()...)

	switch d.Action {
	case retry.ActionReschedule:
		attempt := job.Attempt + 1
		runAt := time.Now().Add(d.Delay)
		err := retry.Do(ctx, *w.config.StorageRetry, func(ctx context.Context) error {
			return w.queue.Storage().Reschedule(ctx, job.ID, w.config.WorkerID, attempt, cause.Error(), d.Kind, runAt)
		})
		if err != nil {
			w.logger.Error("failed to reschedule job after retries", "job_id", job.ID, "error", err)
			return
		}
		job.Attempt = attempt
		metrics.JobsProcessed.WithLabelValues(job.Queue, "retried").Inc()
		w.logger.Warn("job failed, retrying", append(attrs, "delay", d.Delay)...)
		w.queue.CallRetryHooks(ctx, job, attempt, cause)
		w.queue.Emit(&core.JobRetrying{Job: job, Attempt: attempt, Error: cause, NextRunAt: runAt, Timestamp: time.Now()})

	case retry.ActionDeadLetter:
		var entry *core.DeadLetterEntry
		err := retry.Do(ctx, *w.config.StorageRetry, func(ctx context.Context) error {
			return w.queue.Storage().WithTx(ctx, func(tx core.Storage) error {
				if err := tx.Finish(ctx, job.ID, w.config.WorkerID, core.StatusDeadLettered, cause.Error(), d.Kind); err != nil {
					return err
				}
				var err error
				entry, err = w.dlq.RouteIn(ctx, tx, job, d, cause)
				return err
			})
		})
		if err != nil {
			w.logger.Error("failed to dead-letter job after retries", append(attrs, "store_error", err)...)
			return
		}
		job.Status = core.StatusDeadLettered
		metrics.JobsProcessed.WithLabelValues(job.Queue, "dead_lettered").Inc()
		w.queue.CallDeadLetterHooks(ctx, job, entry, cause)
		w.queue.Emit(&core.JobDeadLettered{Job: job, Entry: entry, Reason: d.Reason, Kind: d.Kind, Error: cause, Timestamp: time.Now()})

	case retry.ActionDrop:
		err := retry.Do(ctx, *w.config.StorageRetry, func(ctx context.Context) error {
			return w.queue.Storage().Finish(ctx, job.ID, w.config.WorkerID, core.StatusCancelled, cause.Error(), d.Kind)
		})
		if err != nil {
			w.logger.Error("failed to drop job after retries", "job_id", job.ID, "error", err)
			return
		}
		job.Status = core.StatusCancelled
		metrics.JobsProcessed.WithLabelValues(job.Queue, "dropped").Inc()
		w.logger.Info("job cancelled, dropping", attrs...)
		w.queue.CallDropHooks(ctx, job, cause)
		w.queue.Emit(&core.JobDropped{Job: job, Error: cause, Timestamp: time.Now()})
	}
}

// requeue hands a claimed job back to the queue without charging an attempt.
func (w *Worker) requeue(ctx context.Context, job *core.Job, why string) {
	err := retry.Do(ctx, *w.config.StorageRetry, func(ctx context.Context) error {
		return w.queue.Storage().Reschedule(ctx, job.ID, w.config.WorkerID, job.Attempt, why, job.LastErrorKind, time.Now())
	})
	if err != nil {
		w.logger.Error("failed to release job", "job_id", job.ID, "error", err)
		return
	}
	w.logger.Info("job released", "job_id", job.ID, "reason", why)
}
