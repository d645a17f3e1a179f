// Package worker provides the Worker type for job processing.
//
// A Worker polls its queues, runs each job under the queue's soft and hard
// time limits, and settles every failure through the retry engine: the job
// is rescheduled with backoff, handed to its queue's dead-letter area, or
// dropped after a deliberate cancellation.
//
// Most users should import the root package github.com/jdziat/job-reliability
// which provides access to worker configuration through reliability.NewWorker().
package worker
