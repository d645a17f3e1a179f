// Package idempotency guarantees at-most-once effect for client requests
// and provider webhooks.
//
// A request carries a client-chosen key. The first request with a key runs
// and its response is cached; repeats of the same request get the cached
// response, and a different request under the same key is rejected with
// core.ErrKeyReuseConflict. Uniqueness rests on the storage layer's unique
// index on (principal, key), so concurrent first requests race on the
// insert and exactly one of them runs.
//
// Webhook deliveries are deduplicated the same way on (provider, event ID).
//
//	guard := idempotency.New(store)
//	mux.Handle("POST /orders", idempotency.Middleware(guard, principalOf)(ordersHandler))
package idempotency
