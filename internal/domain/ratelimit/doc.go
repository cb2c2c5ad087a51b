// Package ratelimit contains the rate limiting bounded context.
//
// Key concepts:
//   - Dimension: an independent axis of limiting (client IP, user, endpoint, login, ...)
//   - Config: the {Max, Window} pair applied to one dimension
//   - Result: the outcome of a single fixed-window check
//   - SecurityEvent: raised when a dimension is exceeded
//
// Counters live in the shared store; nothing in this package holds process-local state.
package ratelimit
