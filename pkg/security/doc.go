// Package security provides validation, sanitization, and limits for the
// reliability layer.
//
// This package includes:
//   - Input validation for queue, job type, dead-letter area and idempotency key names
//   - Error message and justification sanitization before storage
//   - Clamping functions for retries, concurrency, page sizes and replay batches
package security
