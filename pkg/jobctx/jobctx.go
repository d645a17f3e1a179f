// Package jobctx gives running handlers access to their job and to
// cooperative cancellation.
package jobctx

import (
	"context"
	"fmt"
	"time"

	"github.com/jdziat/job-reliability/pkg/core"
	intctx "github.com/jdziat/job-reliability/pkg/internal/context"
)

// JobFromContext returns the current Job from context, or nil if not in a job handler.
func JobFromContext(ctx context.Context) *core.Job {
	jc := intctx.GetJobContext(ctx)
	if jc == nil {
		return nil
	}
	return jc.Job
}

// JobIDFromContext returns the current job ID from context, or empty string if not in a job handler.
func JobIDFromContext(ctx context.Context) string {
	job := JobFromContext(ctx)
	if job == nil {
		return ""
	}
	return job.ID
}

// Attempt returns how many failures the current job has already absorbed.
func Attempt(ctx context.Context) int {
	job := JobFromContext(ctx)
	if job == nil {
		return 0
	}
	return job.Attempt
}

// SoftDeadline returns when the current job's soft time limit passes.
func SoftDeadline(ctx context.Context) (time.Time, bool) {
	jc := intctx.GetJobContext(ctx)
	if jc == nil || jc.SoftDeadline.IsZero() {
		return time.Time{}, false
	}
	return jc.SoftDeadline, true
}

// Checkpoint records that the handler reached name and tells it whether to
// stop. It returns core.ErrCancelled once cancellation was requested and
// core.ErrSoftTimeLimit once the soft time limit has passed; handlers
// should return that error unchanged. Outside a job handler it only
// reports context cancellation.
func Checkpoint(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return err
	}
	jc := intctx.GetJobContext(ctx)
	if jc == nil {
		return nil
	}

	cancelRequested, err := jc.Storage.Checkpoint(ctx, jc.Job.ID, name)
	if err != nil {
		return fmt.Errorf("checkpoint %q: %w", name, err)
	}
	if cancelRequested {
		return core.ErrCancelled
	}
	if jc.SoftLimitPassed() {
		return core.ErrSoftTimeLimit
	}
	return nil
}
