package worker

import (
	"log/slog"
	"time"

	"github.com/jdziat/job-reliability/pkg/deadletter"
	"github.com/jdziat/job-reliability/pkg/retry"
	"github.com/jdziat/job-reliability/pkg/security"
)

// DefaultHeartbeatInterval is how often a running job's lock is extended.
const DefaultHeartbeatInterval = 2 * time.Minute

// WorkerOption configures a Worker.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	Queues            map[string]int // queue name -> concurrency
	PollInterval      time.Duration
	WorkerID          string
	HeartbeatInterval time.Duration

	// StorageRetry retries bookkeeping writes (complete, reschedule,
	// dead-letter, heartbeat). DequeueRetry retries polling.
	StorageRetry *retry.Config
	DequeueRetry *retry.Config

	Engine     *retry.Engine
	DeadLetter *deadletter.Handler
	Logger     *slog.Logger
}

// Concurrency sets the concurrency for a queue.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		clamped := security.ClampConcurrency(n)
		for k := range c.Queues {
			c.Queues[k] = clamped
		}
	})
}

// WorkerQueue adds a queue to process with optional concurrency.
func WorkerQueue(name string, opts ...WorkerOption) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if c.Queues == nil {
			c.Queues = make(map[string]int)
		}
		sub := &WorkerConfig{Queues: map[string]int{name: 10}} // default concurrency
		for _, opt := range opts {
			opt.ApplyWorker(sub)
		}
		c.Queues[name] = sub.Queues[name]
	})
}

// WithPollInterval sets how often the worker polls for due jobs.
func WithPollInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.PollInterval = d
		}
	})
}

// WithWorkerID sets the identity used to lock jobs.
func WithWorkerID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if id != "" {
			c.WorkerID = id
		}
	})
}

// WithHeartbeatInterval sets how often running jobs extend their lock.
func WithHeartbeatInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.HeartbeatInterval = d
		}
	})
}

// WithStorageRetry sets the retry configuration for bookkeeping writes.
func WithStorageRetry(cfg retry.Config) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StorageRetry = &cfg
	})
}

// WithDequeueRetry sets the retry configuration for polling.
func WithDequeueRetry(cfg retry.Config) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.DequeueRetry = &cfg
	})
}

// WithEngine sets the retry engine that decides what happens to failed jobs.
func WithEngine(e *retry.Engine) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Engine = e
	})
}

// WithDeadLetterHandler sets where exhausted and unretryable jobs go.
func WithDeadLetterHandler(h *deadletter.Handler) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.DeadLetter = h
	})
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Logger = l
	})
}
