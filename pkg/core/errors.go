package core

import (
	"errors"
	"fmt"
	"time"
)

// Validation errors
var (
	ErrInvalidQueueName      = errors.New("reliability: invalid queue name")
	ErrQueueNameTooLong      = errors.New("reliability: queue name too long")
	ErrInvalidJobTypeName    = errors.New("reliability: invalid job type name (must be alphanumeric, start with letter)")
	ErrJobTypeNameTooLong    = errors.New("reliability: job type name too long")
	ErrJobArgsTooLarge       = errors.New("reliability: job arguments exceed size limit")
	ErrInvalidIdempotencyKey = errors.New("reliability: invalid idempotency key")
	ErrInvalidPrincipal      = errors.New("reliability: invalid principal")
	ErrInvalidArea           = errors.New("reliability: invalid dead-letter area")
	ErrJustificationTooShort = errors.New("reliability: replay justification too short")
)

// Bookkeeping errors
var (
	ErrNotFound          = errors.New("reliability: record not found")
	ErrDuplicate         = errors.New("reliability: unique constraint violated")
	ErrJobNotOwned       = errors.New("reliability: job not owned by this worker")
	ErrKeyReuseConflict  = errors.New("reliability: idempotency key reused with a different request")
	ErrRequestInProgress = errors.New("reliability: request with this idempotency key is still processing")
	ErrNotProcessing     = errors.New("reliability: idempotency record is not processing")
	ErrNoPublisher       = errors.New("reliability: no publisher configured")
	ErrUnauthorized      = errors.New("reliability: operator not authorized")
)

// ErrCancelled is returned by checkpoints once the owner of a job asked for it to stop.
var ErrCancelled = errors.New("reliability: job cancelled")

// ErrSoftTimeLimit is returned by checkpoints after the soft time limit has passed.
var ErrSoftTimeLimit = Timeout(errors.New("reliability: soft time limit exceeded"))

// NoRetryError indicates an error that should not be retried.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// RetryAfterError indicates an error that should be retried after a delay.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}

// Error tags a failure with its structural category.
type Error struct {
	Category   Category
	Err        error
	RetryAfter time.Duration // rate-limit hint, zero when absent
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Category)
	}
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func categorize(c Category, err error) error {
	return &Error{Category: c, Err: err}
}

// Transient marks a temporary failure of an external dependency.
func Transient(err error) error { return categorize(CategoryTransient, err) }

// Network marks a connection level failure.
func Network(err error) error { return categorize(CategoryNetwork, err) }

// Timeout marks a failure caused by a deadline.
func Timeout(err error) error { return categorize(CategoryTimeout, err) }

// RateLimited marks an explicit rate-limit signal. retryAfter is the provider's hint, or zero.
func RateLimited(retryAfter time.Duration, err error) error {
	return &Error{Category: CategoryRateLimited, Err: err, RetryAfter: retryAfter}
}

// Validation marks invalid input.
func Validation(err error) error { return categorize(CategoryValidation, err) }

// Unauthorized marks an authentication or authorization failure.
func Unauthorized(err error) error { return categorize(CategoryUnauthorized, err) }

// QuotaExceeded marks an exhausted quota.
func QuotaExceeded(err error) error { return categorize(CategoryQuotaExceeded, err) }

// Cancelled marks a deliberate cancellation by the owner or an operator.
func Cancelled(err error) error { return categorize(CategoryCancelled, err) }

// Integrity marks a data-integrity violation.
func Integrity(err error) error { return categorize(CategoryIntegrity, err) }

// ResourceExhausted marks memory, disk or similar exhaustion.
func ResourceExhausted(err error) error { return categorize(CategoryResourceExhausted, err) }

// Unrecoverable marks a process-level failure that must never be retried.
func Unrecoverable(err error) error { return categorize(CategoryUnrecoverable, err) }

// PanicError is produced when a handler panics.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// ChainVerificationError reports an audit entry whose hash chain does not verify.
type ChainVerificationError struct {
	ScopeType string
	ScopeID   string
	EntryID   uint64
	Expected  string
	Actual    string
}

func (e *ChainVerificationError) Error() string {
	return fmt.Sprintf("reliability: audit chain verification failed for %s/%s at entry %d", e.ScopeType, e.ScopeID, e.EntryID)
}
