package deadletter

import (
	"context"
	"log/slog"
	"time"

	"github.com/jdziat/job-reliability/pkg/audit"
	"github.com/jdziat/job-reliability/pkg/core"
)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithAuditor sets the audit logger for replays and discards.
// Defaults to an audit.Logger over the handler's store.
func WithAuditor(a *audit.Logger) Option {
	return func(h *Handler) {
		h.auditor = a
	}
}

// WithMinJustification sets the minimum trimmed justification length.
func WithMinJustification(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.minJustification = n
		}
	}
}

// WithPreviewBytes bounds the payload preview returned by Peek.
func WithPreviewBytes(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.previewBytes = n
		}
	}
}

// WithFailureBudget stops a replay after n publish failures.
// Zero lets a replay run to the end regardless of failures.
func WithFailureBudget(n int) Option {
	return func(h *Handler) {
		if n >= 0 {
			h.failureBudget = n
		}
	}
}

// WithThresholds sets the health grading of List.
func WithThresholds(t Thresholds) Option {
	return func(h *Handler) {
		h.thresholds = t
	}
}

// WithSleep replaces the pause between replayed messages.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(h *Handler) {
		if fn != nil {
			h.sleep = fn
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// WithEventHandler receives DeadLetterReplayed events.
func WithEventHandler(fn func(core.Event)) Option {
	return func(h *Handler) {
		h.onEvent = fn
	}
}
