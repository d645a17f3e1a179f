// Package classify maps a failure to one of the four failure kinds.
//
// Classification is a closed lookup over structural failure shapes: the
// category wrappers in pkg/core, the NoRetry and RetryAfter
// wrappers, context errors, network and syscall errors, and the error types
// of the GORM, PostgreSQL and SQLite drivers. Message text is never
// inspected. Anything unrecognised is non_retryable.
package classify
