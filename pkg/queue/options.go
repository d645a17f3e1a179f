package queue

import (
	"time"

	"github.com/jdziat/job-reliability/pkg/security"
)

// Options holds configuration for job enqueueing and registration.
type Options struct {
	Queue       string
	Priority    int
	MaxAttempts *int
	Delay       time.Duration
	RunAt       *time.Time
	TaskID      string
}

// NewOptions creates Options with defaults. MaxAttempts stays nil so the
// queue's retry policy applies.
func NewOptions() *Options {
	return &Options{
		Queue:    "",
		Priority: 0,
	}
}

// Option modifies Options.
type Option interface {
	Apply(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) Apply(o *Options) { f(o) }

// QueueOpt sets the queue name. At registration it sets the default queue
// of the job type.
func QueueOpt(name string) Option {
	return optionFunc(func(o *Options) {
		o.Queue = name
	})
}

// Priority sets the job priority (higher = runs first).
func Priority(p int) Option {
	return optionFunc(func(o *Options) {
		o.Priority = p
	})
}

// MaxAttempts overrides the queue policy's retry budget for one job.
// Values are clamped to [0, MaxRetries] (100).
func MaxAttempts(n int) Option {
	return optionFunc(func(o *Options) {
		clamped := security.ClampRetries(n)
		o.MaxAttempts = &clamped
	})
}

// Delay schedules the job to run after a duration.
func Delay(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.Delay = d
	})
}

// At schedules the job to run at a specific time.
func At(t time.Time) Option {
	return optionFunc(func(o *Options) {
		o.RunAt = &t
	})
}

// TaskID sets the job ID instead of generating one. Enqueueing an ID that
// already exists fails with core.ErrDuplicate.
func TaskID(id string) Option {
	return optionFunc(func(o *Options) {
		o.TaskID = id
	})
}
