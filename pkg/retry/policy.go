package retry

import (
	"fmt"
	"sync"
	"time"

	"github.com/jdziat/job-reliability/pkg/backoff"
	"github.com/jdziat/job-reliability/pkg/core"
)

// DefaultQueue is the name of the fallback policy.
const DefaultQueue = "default"

// Policy holds the retry limits of one queue.
type Policy struct {
	Queue         string         `yaml:"queue"`
	MaxAttempts   int            `yaml:"max_attempts"`
	BaseDelay     time.Duration  `yaml:"base_delay"`
	BackoffCap    time.Duration  `yaml:"backoff_cap"`
	SoftTimeLimit time.Duration  `yaml:"soft_time_limit"`
	HardTimeLimit time.Duration  `yaml:"hard_time_limit"`
	Jitter        backoff.Jitter `yaml:"jitter"`

	// HardTimeoutKind is the kind assigned to a unit killed by the hard time
	// limit. Retryable unless configured as fatal.
	HardTimeoutKind core.Kind `yaml:"hard_timeout_kind"`
}

// Validate checks the policy for obviously wrong values.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 0:
		return fmt.Errorf("retry: queue %q: max_attempts must be >= 0", p.Queue)
	case p.BaseDelay < 0 || p.BackoffCap < 0:
		return fmt.Errorf("retry: queue %q: delays must not be negative", p.Queue)
	case p.SoftTimeLimit > 0 && p.HardTimeLimit > 0 && p.SoftTimeLimit > p.HardTimeLimit:
		return fmt.Errorf("retry: queue %q: soft_time_limit exceeds hard_time_limit", p.Queue)
	case p.Jitter != "" && !p.Jitter.Valid():
		return fmt.Errorf("retry: queue %q: unknown jitter mode %q", p.Queue, p.Jitter)
	case p.HardTimeoutKind != "" && p.HardTimeoutKind != core.KindRetryable && p.HardTimeoutKind != core.KindFatal:
		return fmt.Errorf("retry: queue %q: hard_timeout_kind must be retryable or fatal", p.Queue)
	}
	return nil
}

// withDefaults fills zero fields.
func (p Policy) withDefaults() Policy {
	if p.Jitter == "" {
		p.Jitter = backoff.JitterFull
	}
	if p.HardTimeoutKind == "" {
		p.HardTimeoutKind = core.KindRetryable
	}
	return p
}

// Table maps queue names to policies. Lookups for unknown queues return the
// fallback policy renamed to the requested queue.
type Table struct {
	mu       sync.RWMutex
	policies map[string]Policy
	fallback Policy
}

// NewTable creates a table with the given fallback.
func NewTable(fallback Policy, policies ...Policy) *Table {
	if fallback.Queue == "" {
		fallback.Queue = DefaultQueue
	}
	t := &Table{
		policies: make(map[string]Policy, len(policies)),
		fallback: fallback.withDefaults(),
	}
	for _, p := range policies {
		t.Set(p)
	}
	return t
}

// DefaultTable returns the stock queue layout: a short "quick" queue and
// four heavy queues with longer limits.
func DefaultTable() *Table {
	heavy := func(name string, cap time.Duration) Policy {
		return Policy{
			Queue:         name,
			MaxAttempts:   5,
			BaseDelay:     2 * time.Second,
			BackoffCap:    cap,
			SoftTimeLimit: 14 * time.Minute,
			HardTimeLimit: 15 * time.Minute,
		}
	}
	return NewTable(
		Policy{
			Queue:         DefaultQueue,
			MaxAttempts:   3,
			BaseDelay:     time.Second,
			BackoffCap:    30 * time.Second,
			SoftTimeLimit: 4 * time.Minute,
			HardTimeLimit: 5 * time.Minute,
		},
		Policy{
			Queue:         "quick",
			MaxAttempts:   3,
			BaseDelay:     time.Second,
			BackoffCap:    20 * time.Second,
			SoftTimeLimit: 9 * time.Minute,
			HardTimeLimit: 10 * time.Minute,
		},
		heavy("model", 60*time.Second),
		heavy("cam", 45*time.Second),
		heavy("simulation", 60*time.Second),
		heavy("report", 45*time.Second),
	)
}

// Set adds or replaces the policy for p.Queue.
func (t *Table) Set(p Policy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.Queue == DefaultQueue || p.Queue == "" {
		p.Queue = DefaultQueue
		t.fallback = p.withDefaults()
		return
	}
	t.policies[p.Queue] = p.withDefaults()
}

// For returns the policy for queue.
func (t *Table) For(queue string) Policy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.policies[queue]; ok {
		return p
	}
	p := t.fallback
	if queue != "" {
		p.Queue = queue
	}
	return p
}

// Queues returns the names with an explicit policy, excluding the fallback.
func (t *Table) Queues() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.policies))
	for name := range t.policies {
		names = append(names, name)
	}
	return names
}

// Validate checks every policy in the table.
func (t *Table) Validate() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.fallback.Validate(); err != nil {
		return err
	}
	for _, p := range t.policies {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}
