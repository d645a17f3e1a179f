// Package deadletter parks units of work that will not be retried and lets
// operators inspect, replay and discard them.
//
// Entries live in areas named after their origin queue ("<queue>.dlq") and
// are keyed by a fingerprint of origin queue, routing key and payload, so a
// repeat death of the same payload bumps the existing entry instead of
// adding a new one.
//
// Replays are sequential and resumable: every entry is marked replayed as
// soon as it is published, so re-running an interrupted replay only
// publishes what is still pending. Each replay batch and each discard is
// recorded in the area's audit chain together with the operator's
// justification.
package deadletter
