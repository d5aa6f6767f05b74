// Package retry runs an operation with capped exponential backoff.
//
// Errors opt into retries by being wrapped with [Transient] or
// [TransientAfter]; anything else stops the loop immediately. When every
// attempt fails, [Do] returns an error wrapping both [ErrRetryExhausted] and
// the last failure.
package retry
