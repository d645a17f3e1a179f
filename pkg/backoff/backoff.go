// Package backoff computes retry delays.
//
// The base schedule is min(cap, base * 2^attempt). Jitter is applied on top
// of the capped value, so a jittered delay may exceed cap by the jitter
// factor.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Jitter selects how a computed delay is randomised.
type Jitter string

const (
	// JitterNone returns the exponential delay unchanged.
	JitterNone Jitter = "none"
	// JitterBounded multiplies by a factor in [0.9, 1.1].
	JitterBounded Jitter = "bounded"
	// JitterFull multiplies by a factor in [0.5, 1.5].
	JitterFull Jitter = "full"
)

// BoundedFraction is the half-width of the bounded jitter window.
const BoundedFraction = 0.1

// Exponential returns min(cap, base * 2^attempt) without jitter.
// Negative attempts are treated as zero. A cap <= 0 means no cap.
func Exponential(attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	limit := cap
	if limit <= 0 {
		limit = time.Duration(math.MaxInt64)
	}
	// base << attempt overflows once attempt reaches the leading zero count.
	if attempt >= 63 || base > limit>>uint(attempt) {
		return limit
	}
	d := base << uint(attempt)
	if d > limit {
		return limit
	}
	return d
}

// Calculator applies jitter to exponential delays. It is safe for
// concurrent use.
type Calculator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// New creates a Calculator seeded from the wall clock.
func New() *Calculator {
	return NewWithSource(rand.NewSource(time.Now().UnixNano()))
}

// NewWithSource creates a Calculator drawing from src. Used for deterministic tests.
func NewWithSource(src rand.Source) *Calculator {
	return &Calculator{rnd: rand.New(src)}
}

// Delay returns the jittered delay for the given attempt.
func (c *Calculator) Delay(attempt int, base, cap time.Duration, mode Jitter) time.Duration {
	d := Exponential(attempt, base, cap)
	if d == 0 {
		return 0
	}
	return c.Apply(d, mode)
}

// Apply jitters an already computed delay.
func (c *Calculator) Apply(d time.Duration, mode Jitter) time.Duration {
	var factor float64
	switch mode {
	case JitterBounded:
		factor = 1 + (c.float()*2-1)*BoundedFraction
	case JitterFull:
		factor = 0.5 + c.float()
	default:
		return d
	}
	f := float64(d) * factor
	if f >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

func (c *Calculator) float() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rnd.Float64()
}

// Bounds returns the inclusive range Delay may produce for the given mode.
func Bounds(attempt int, base, cap time.Duration, mode Jitter) (lo, hi time.Duration) {
	d := float64(Exponential(attempt, base, cap))
	switch mode {
	case JitterBounded:
		return time.Duration(d * (1 - BoundedFraction)), time.Duration(d * (1 + BoundedFraction))
	case JitterFull:
		return time.Duration(d * 0.5), time.Duration(d * 1.5)
	}
	return time.Duration(d), time.Duration(d)
}

// Valid reports whether j is a known jitter mode.
func (j Jitter) Valid() bool {
	switch j {
	case JitterNone, JitterBounded, JitterFull:
		return true
	}
	return false
}
