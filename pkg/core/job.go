// Package core provides the domain models and interfaces for the reliability layer.
package core

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	StatusPending      JobStatus = "pending"
	StatusRunning      JobStatus = "running"
	StatusCompleted    JobStatus = "completed"
	StatusDeadLettered JobStatus = "dead_lettered" // Handed off to a dead-letter area
	StatusCancelled    JobStatus = "cancelled"     // Dropped after a deliberate cancellation
)

// Terminal reports whether no further execution will happen for the status.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLettered || s == StatusCancelled
}

// Job is one occurrence of a unit of work.
// Attempt counts the failures already absorbed by rescheduling, so the first
// execution runs with Attempt == 0.
type Job struct {
	ID              string     `gorm:"primaryKey;size:36"`
	Type            string     `gorm:"index;size:255;not null"` // routing key
	Args            []byte     `gorm:"type:bytes"`
	Queue           string     `gorm:"index;size:255;default:'default'"`
	Priority        int        `gorm:"index;default:0"`
	Status          JobStatus  `gorm:"index;size:20;default:'pending'"`
	Attempt         int        `gorm:"default:0"`
	MaxAttempts     int        `gorm:"default:3"`
	LastError       string     `gorm:"type:text"`
	LastErrorKind   Kind       `gorm:"size:20"`
	RunAt           *time.Time `gorm:"index"`
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time  `gorm:"autoCreateTime"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime"`
	LockedBy        string     `gorm:"size:255"`
	LockedUntil     *time.Time `gorm:"index"`
	LastHeartbeatAt *time.Time
	CancelRequested bool   `gorm:"default:false"`
	LastCheckpoint  string `gorm:"size:255"`
	Headers         datatypes.JSON
}

// Envelope builds the dispatch envelope for the job.
// Malformed stored headers are ignored rather than blocking dispatch.
func (j *Job) Envelope() Envelope {
	env := Envelope{
		TaskID:  j.ID,
		Type:    j.Type,
		Queue:   j.Queue,
		Payload: json.RawMessage(j.Args),
	}
	if len(j.Headers) > 0 {
		_ = json.Unmarshal(j.Headers, &env.Headers)
	}
	env.Headers.Attempt = j.Attempt
	return env
}
