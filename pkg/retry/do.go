package retry

import (
	"context"
	"errors"
	"time"

	"github.com/jdziat/job-reliability/pkg/backoff"
	"github.com/jdziat/job-reliability/pkg/classify"
	"github.com/jdziat/job-reliability/pkg/core"
)

// Config holds configuration for Do.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Default: 5
	MaxAttempts int

	// InitialBackoff is the delay after the first failure.
	// Default: 100ms
	InitialBackoff time.Duration

	// MaxBackoff caps the unjittered delay.
	// Default: 5s
	MaxBackoff time.Duration

	// Jitter is the randomisation applied to each delay.
	// Default: bounded (±10%)
	Jitter backoff.Jitter

	// Calculator draws the jitter. Default: a clock-seeded calculator.
	Calculator *backoff.Calculator
}

// DefaultConfig returns the default configuration for Do.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Jitter:         backoff.JitterBounded,
	}
}

var defaultCalculator = backoff.New()

// Do executes op with exponential backoff. Only failures the classifier
// marks retryable are retried. It respects context cancellation and returns
// the last error if all attempts fail.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	calc := cfg.Calculator
	if calc == nil {
		calc = defaultCalculator
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(lastErr, ctxErr) {
				return lastErr
			}
			return errors.Join(lastErr, ctxErr)
		}
		if classify.Classify(lastErr) != core.KindRetryable {
			return lastErr
		}
		if attempt >= cfg.MaxAttempts {
			break
		}

		wait := calc.Delay(attempt-1, cfg.InitialBackoff, cfg.MaxBackoff, cfg.Jitter)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return err != nil && classify.Classify(err) == core.KindRetryable
}
