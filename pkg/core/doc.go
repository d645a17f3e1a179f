// Package core provides the fundamental types and interfaces for the reliability layer.
//
// This package contains:
//   - Job, DeadLetterEntry, ReplayBatch, IdempotencyRecord, WebhookEvent and
//     AuditLogEntry data models with GORM annotations
//   - The closed failure Kind set and the structural failure categories
//   - Storage interfaces defining the persistence contract
//   - Event types for monitoring
//   - Error types and sentinels
//
// Most users should import the root package github.com/jdziat/job-reliability
// instead of this package directly.
package core
