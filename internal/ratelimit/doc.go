// Package ratelimit provides per-IP rate limiting with background eviction
// of stale entries.
//
// It guards the transfer and archive routes, where each request can hold a
// goroutine, a file descriptor and disk bandwidth for a long time. It is a
// single-instance, in-memory limiter: it does not protect against
// distributed clients, and inbound bytes are already accepted by the time
// it runs. Pair it with upstream filtering.
package ratelimit
