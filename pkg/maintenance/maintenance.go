// Package maintenance runs the periodic housekeeping of the reliability
// layer on cron schedules: purging expired idempotency records, pruning
// processed webhook events and releasing job locks abandoned by dead
// workers. Each run leaves a best-effort audit entry with its counts.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jdziat/job-reliability/pkg/audit"
	"github.com/jdziat/job-reliability/pkg/core"
	"github.com/jdziat/job-reliability/pkg/idempotency"
	"github.com/jdziat/job-reliability/pkg/metrics"
)

// AuditScopeType is the audit chain scope type of maintenance runs.
const AuditScopeType = "maintenance"

// Task names a maintenance task.
type Task string

const (
	TaskPurgeIdempotency  Task = "purge_idempotency"
	TaskPruneWebhooks     Task = "prune_webhook_events"
	TaskReleaseStaleLocks Task = "release_stale_locks"
)

// Tasks lists every task in run order.
var Tasks = []Task{TaskPurgeIdempotency, TaskPruneWebhooks, TaskReleaseStaleLocks}

// Config holds the schedule of each task. An empty schedule disables the task.
type Config struct {
	PurgeIdempotency  string `yaml:"purge_idempotency"`
	PruneWebhooks     string `yaml:"prune_webhook_events"`
	ReleaseStaleLocks string `yaml:"release_stale_locks"`

	// StaleLockGrace is how long past its lock expiry a running job is
	// left alone before it is handed back to the queue.
	StaleLockGrace time.Duration `yaml:"stale_lock_grace"`
}

// DefaultConfig returns the default schedules.
func DefaultConfig() Config {
	return Config{
		PurgeIdempotency:  "@every 1h",
		PruneWebhooks:     "daily 03:30",
		ReleaseStaleLocks: "@every 1m",
		StaleLockGrace:    time.Minute,
	}
}

func (c Config) schedule(t Task) string {
	switch t {
	case TaskPurgeIdempotency:
		return c.PurgeIdempotency
	case TaskPruneWebhooks:
		return c.PruneWebhooks
	case TaskReleaseStaleLocks:
		return c.ReleaseStaleLocks
	default:
		return ""
	}
}

// Runner executes maintenance tasks.
type Runner struct {
	jobs      core.JobStore
	guard     *idempotency.Guard
	auditor   *audit.Logger
	cfg       Config
	schedules map[Task]Schedule
	logger    *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// WithConfig replaces the default schedules.
func WithConfig(cfg Config) Option {
	return func(r *Runner) {
		r.cfg = cfg
	}
}

// New creates a Runner. It fails when a configured schedule does not parse.
func New(jobs core.JobStore, guard *idempotency.Guard, auditor *audit.Logger, opts ...Option) (*Runner, error) {
	r := &Runner{
		jobs:      jobs,
		guard:     guard,
		auditor:   auditor,
		cfg:       DefaultConfig(),
		schedules: make(map[Task]Schedule),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, t := range Tasks {
		expr := r.cfg.schedule(t)
		if expr == "" {
			continue
		}
		sched, err := ParseSchedule(expr)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t, err)
		}
		r.schedules[t] = sched
	}
	return r, nil
}

// Scheduled reports the tasks that have a schedule.
func (r *Runner) Scheduled() []Task {
	var out []Task
	for _, t := range Tasks {
		if _, ok := r.schedules[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// RunOnce executes one task now and returns how many rows it affected.
func (r *Runner) RunOnce(ctx context.Context, t Task) (int64, error) {
	start := time.Now()
	var (
		n   int64
		err error
	)
	switch t {
	case TaskPurgeIdempotency:
		n, err = r.guard.PurgeExpired(ctx)
	case TaskPruneWebhooks:
		n, err = r.guard.PruneEvents(ctx)
	case TaskReleaseStaleLocks:
		n, err = r.jobs.ReleaseStaleLocks(ctx, r.cfg.StaleLockGrace)
	default:
		return 0, fmt.Errorf("maintenance: unknown task %q", t)
	}
	if err != nil {
		metrics.MaintenanceRuns.WithLabelValues(string(t), "error").Inc()
		r.logger.Error("maintenance task failed", "task", t, "error", err)
		return 0, err
	}

	metrics.MaintenanceRuns.WithLabelValues(string(t), "ok").Inc()
	r.logger.Info("maintenance task finished", "task", t, "affected", n, "duration", time.Since(start))

	_ = r.auditor.Record(ctx, audit.BestEffort,
		audit.Scope{Type: AuditScopeType, ID: string(t)},
		"maintenance.completed",
		map[string]any{"task": string(t), "affected": n},
		"system:maintenance",
	)
	return n, nil
}

// Run executes the scheduled tasks until ctx is cancelled, then waits for
// running tasks to finish. A task still running when its next turn comes
// is skipped for that turn.
func (r *Runner) Run(ctx context.Context) error {
	log := cronLogger{r.logger}
	c := cron.New(
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
	for _, t := range r.Scheduled() {
		c.Schedule(r.schedules[t], cron.FuncJob(func() {
			_, _ = r.RunOnce(ctx, t)
		}))
	}

	r.logger.Info("maintenance started", "tasks", r.Scheduled())
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("maintenance stopped")
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
