package context

import (
	"context"
	"time"

	"github.com/jdziat/job-reliability/pkg/core"
)

// JobContextKey is the key for storing job context in context.Context.
type JobContextKey struct{}

// JobContext holds the running job and what its checkpoints need.
type JobContext struct {
	Job      *core.Job
	Storage  core.JobStore
	WorkerID string
	// SoftDeadline is when the soft time limit passes; zero when unlimited.
	SoftDeadline time.Time
	// Now is the clock checkpoints compare SoftDeadline against.
	Now func() time.Time
}

// SoftLimitPassed reports whether the soft time limit has passed.
func (jc *JobContext) SoftLimitPassed() bool {
	if jc.SoftDeadline.IsZero() {
		return false
	}
	now := time.Now
	if jc.Now != nil {
		now = jc.Now
	}
	return !now().Before(jc.SoftDeadline)
}

// GetJobContext retrieves the job context from a context.Context.
func GetJobContext(ctx context.Context) *JobContext {
	if jc, ok := ctx.Value(JobContextKey{}).(*JobContext); ok {
		return jc
	}
	return nil
}

// WithJobContext adds job context to a context.Context.
func WithJobContext(ctx context.Context, jc *JobContext) context.Context {
	return context.WithValue(ctx, JobContextKey{}, jc)
}
