package retry

import (
	"time"

	"github.com/jdziat/job-reliability/pkg/backoff"
	"github.com/jdziat/job-reliability/pkg/classify"
	"github.com/jdziat/job-reliability/pkg/core"
)

// Action is the outcome of a retry decision.
type Action string

const (
	ActionReschedule Action = "reschedule"
	ActionDeadLetter Action = "dead_letter"
	ActionDrop       Action = "drop"
)

// Decision is what to do with a failed unit.
type Decision struct {
	Action Action
	Delay  time.Duration         // set for ActionReschedule
	Reason core.DeadLetterReason // set for ActionDeadLetter
	Kind   core.Kind
	Meta   classify.Metadata
}

// Engine decides between reschedule, dead letter and drop.
type Engine struct {
	calc     *backoff.Calculator
	classify func(error) classify.Metadata
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithCalculator sets the backoff calculator, e.g. one with a seeded source.
func WithCalculator(c *backoff.Calculator) EngineOption {
	return func(e *Engine) {
		e.calc = c
	}
}

// WithClassifier replaces the failure classifier.
func WithClassifier(fn func(error) classify.Metadata) EngineOption {
	return func(e *Engine) {
		e.classify = fn
	}
}

// NewEngine creates an Engine using classify.Describe and a clock-seeded calculator.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		calc:     backoff.New(),
		classify: classify.Describe,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide classifies err and applies the decision table. attempt is the
// number of failures already absorbed by the unit.
func (e *Engine) Decide(err error, attempt int, p Policy) Decision {
	meta := e.classify(err)
	return e.DecideKind(meta, attempt, p)
}

// DecideKind applies the decision table to an already classified failure.
// Fatal and non_retryable failures dead-letter regardless of attempt.
func (e *Engine) DecideKind(meta classify.Metadata, attempt int, p Policy) Decision {
	d := Decision{Kind: meta.Kind, Meta: meta}
	switch meta.Kind {
	case core.KindFatal:
		d.Action, d.Reason = ActionDeadLetter, core.ReasonFatal
	case core.KindNonRetryable:
		d.Action, d.Reason = ActionDeadLetter, core.ReasonNonRetryable
	case core.KindCancellation:
		d.Action = ActionDrop
	case core.KindRetryable:
		if attempt >= p.MaxAttempts {
			d.Action, d.Reason = ActionDeadLetter, core.ReasonMaxRetries
			break
		}
		d.Action = ActionReschedule
		d.Delay = e.delay(meta, attempt, p)
	default:
		d.Kind = core.KindNonRetryable
		d.Action, d.Reason = ActionDeadLetter, core.ReasonNonRetryable
	}
	return d
}

func (e *Engine) delay(meta classify.Metadata, attempt int, p Policy) time.Duration {
	if meta.RetryAfter > 0 {
		return meta.RetryAfter
	}
	mode := p.Jitter
	if mode == "" {
		mode = backoff.JitterFull
	}
	return e.calc.Delay(attempt, p.BaseDelay, p.BackoffCap, mode)
}
