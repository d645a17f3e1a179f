package core

import "time"

// Event is the interface for all reliability events.
type Event interface {
	eventMarker()
}

// JobStarted is emitted when a job starts processing.
type JobStarted struct {
	Job       *Job
	Timestamp time.Time
}

func (*JobStarted) eventMarker() {}

// JobCompleted is emitted when a job completes successfully.
type JobCompleted struct {
	Job       *Job
	Duration  time.Duration
	Timestamp time.Time
}

func (*JobCompleted) eventMarker() {}

// JobRetrying is emitted when a failed job is rescheduled.
type JobRetrying struct {
	Job       *Job
	Attempt   int
	Error     error
	NextRunAt time.Time
	Timestamp time.Time
}

func (*JobRetrying) eventMarker() {}

// JobDeadLettered is emitted when a job is handed to a dead-letter area.
type JobDeadLettered struct {
	Job       *Job
	Entry     *DeadLetterEntry
	Reason    DeadLetterReason
	Kind      Kind
	Error     error
	Timestamp time.Time
}

func (*JobDeadLettered) eventMarker() {}

// JobDropped is emitted when a cancelled job is dropped.
type JobDropped struct {
	Job       *Job
	Error     error
	Timestamp time.Time
}

func (*JobDropped) eventMarker() {}

// DeadLetterReplayed is emitted once per replay batch.
type DeadLetterReplayed struct {
	Batch     *ReplayBatch
	Timestamp time.Time
}

func (*DeadLetterReplayed) eventMarker() {}

// ChainVerificationFailed is emitted when an audit chain does not verify.
type ChainVerificationFailed struct {
	Err       *ChainVerificationError
	Timestamp time.Time
}

func (*ChainVerificationFailed) eventMarker() {}
