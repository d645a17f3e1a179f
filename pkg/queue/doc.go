// Package queue registers job handlers and dispatches jobs into storage.
//
// This package includes:
//   - Queue: handler registration, enqueueing with per-queue retry policies,
//     re-dispatch of dead-letter replays (Queue implements deadletter.Publisher)
//     and cooperative cancellation
//   - Option: Configuration options for job enqueueing
//   - Hook registration for job lifecycle events
//   - Event subscription for monitoring
package queue
