package core

import (
	"time"

	"gorm.io/datatypes"
)

// DeadLetterReason is why a unit of work was dead-lettered.
type DeadLetterReason string

const (
	ReasonFatal        DeadLetterReason = "fatal_error"
	ReasonNonRetryable DeadLetterReason = "non_retryable_error"
	ReasonMaxRetries   DeadLetterReason = "max_retries_exceeded"
)

// DeadLetterStatus tracks what an operator did with an entry.
type DeadLetterStatus string

const (
	DeadLetterPending        DeadLetterStatus = "pending"
	DeadLetterStatusReplayed DeadLetterStatus = "replayed"
	DeadLetterDiscarded      DeadLetterStatus = "discarded"
)

// DeadLetterEntry is a unit of work parked in a dead-letter area.
// OriginQueue and RoutingKey are always set so the entry can be re-dispatched.
type DeadLetterEntry struct {
	ID               string           `gorm:"primaryKey;size:36"`
	Area             string           `gorm:"size:255;not null;uniqueIndex:idx_dead_letter_area_fingerprint,priority:1;index:idx_dead_letter_area_status,priority:1"`
	Fingerprint      string           `gorm:"size:64;not null;uniqueIndex:idx_dead_letter_area_fingerprint,priority:2"`
	Status           DeadLetterStatus `gorm:"size:20;default:'pending';index:idx_dead_letter_area_status,priority:2"`
	OriginQueue      string           `gorm:"size:255;not null"`
	RoutingKey       string           `gorm:"size:255;not null"`
	TaskID           string           `gorm:"size:36;index"`
	DeathCount       int              `gorm:"default:1"`
	FirstDeathReason DeadLetterReason `gorm:"size:40"`
	LastDeathReason  DeadLetterReason `gorm:"size:40"`
	LastError        string           `gorm:"type:text"`
	Payload          []byte           `gorm:"type:bytes"`
	Headers          datatypes.JSON
	EnqueuedAt       time.Time `gorm:"index"`
	LastDeathAt      time.Time
	ReplayBatchID    *string `gorm:"size:36;index"`
	ReplayedAt       *time.Time
	ReplayFailures   int    `gorm:"default:0"`
	LastReplayError  string `gorm:"type:text"`
	DiscardedAt      *time.Time
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
}

// DeadLetterAreaStats aggregates one dead-letter area.
type DeadLetterAreaStats struct {
	Area          string
	Pending       int64
	Replayed      int64
	Discarded     int64
	OldestPending *time.Time
	LastDeathAt   *time.Time
}

// ReplayStatus is the state of a replay batch.
type ReplayStatus string

const (
	ReplayRunning   ReplayStatus = "running"
	ReplayCompleted ReplayStatus = "completed"
	ReplayAborted   ReplayStatus = "aborted" // stopped early on the failure budget or a cancelled context
)

// ReplayBatch records one operator replay request.
type ReplayBatch struct {
	ID            string       `gorm:"primaryKey;size:36"`
	Area          string       `gorm:"index;size:255;not null"`
	Justification string       `gorm:"type:text;not null"`
	Actor         string       `gorm:"size:255"`
	MaxMessages   int          `gorm:"not null"`
	BackoffMillis int64        `gorm:"default:0"`
	Attempted     int          `gorm:"default:0"`
	Replayed      int          `gorm:"default:0"`
	Failed        int          `gorm:"default:0"`
	Status        ReplayStatus `gorm:"size:20;default:'running'"`
	StartedAt     time.Time
	FinishedAt    *time.Time
}
