package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// ErrRetryExhausted is returned by Do when every attempt failed with a
// transient error. The error also wraps the last attempt's error, so
// errors.Is and errors.As reach the root cause.
var ErrRetryExhausted = errors.New("retry: all attempts exhausted")

// Policy holds the tuning parameters of a retry loop. Zero fields are
// replaced with the defaults documented below by WithDefaults.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first one.
	// Default: 3.
	MaxAttempts int

	// InitialBackoff is the wait before the second attempt. Default: 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the computed backoff. Default: 10s.
	MaxBackoff time.Duration

	// BackoffFactor is the growth multiplier between attempts
	// (backoff = min(InitialBackoff * BackoffFactor^n, MaxBackoff)). Default: 2.
	BackoffFactor float64

	// JitterFraction adds random noise in [0, JitterFraction*backoff].
	// Default: 0.1. Negative disables jitter.
	JitterFraction float64
}

// DefaultPolicy returns the policy used when a caller does not configure one.
func DefaultPolicy() Policy {
	return Policy{}.WithDefaults()
}

// WithDefaults returns a copy of policy with zero fields filled in.
func (policy Policy) WithDefaults() Policy {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = 500 * time.Millisecond
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = 10 * time.Second
	}
	if policy.BackoffFactor <= 0 {
		policy.BackoffFactor = 2
	}
	if policy.JitterFraction == 0 {
		policy.JitterFraction = 0.1
	}
	return policy
}

// Backoff returns the wait after the given failed attempt (0-indexed):
// min(InitialBackoff * BackoffFactor^attempt, MaxBackoff) plus jitter.
func (policy Policy) Backoff(attempt int) time.Duration {
	base := float64(policy.InitialBackoff) * math.Pow(policy.BackoffFactor, float64(attempt))
	if base > float64(policy.MaxBackoff) {
		base = float64(policy.MaxBackoff)
	}
	if policy.JitterFraction <= 0 {
		return time.Duration(base)
	}
	jitter := base * policy.JitterFraction * rand.Float64() //nolint:gosec // jitter does not need a secure source
	return time.Duration(base + jitter)
}

// transientError marks an error as worth retrying.
type transientError struct {
	err        error
	retryAfter time.Duration
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// TransientAfter marks err as retryable no sooner than after. Servers that
// send Retry-After use this to stretch the next backoff.
func TransientAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err, retryAfter: after}
}

// IsTransient reports whether err, or any error it wraps, was marked with
// Transient or TransientAfter.
func IsTransient(err error) bool {
	var marked *transientError
	return errors.As(err, &marked)
}

// RetryAfter returns the server-requested delay carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var marked *transientError
	if errors.As(err, &marked) && marked.retryAfter > 0 {
		return marked.retryAfter, true
	}
	return 0, false
}

// Attempt describes a failed attempt that will be retried.
type Attempt struct {
	// Number is the 1-based index of the attempt that failed.
	Number int
	Err    error
	Delay  time.Duration
}

// Option customizes a single Do call.
type Option func(*doConfig)

type doConfig struct {
	classify func(error) bool
	onRetry  func(Attempt)
	wait     func(context.Context, time.Duration) error
}

// WithClassifier overrides the transient check. The default is IsTransient.
func WithClassifier(classify func(error) bool) Option {
	return func(config *doConfig) {
		config.classify = classify
	}
}

// WithOnRetry registers a callback invoked before each backoff wait.
func WithOnRetry(onRetry func(Attempt)) Option {
	return func(config *doConfig) {
		config.onRetry = onRetry
	}
}

// WithWait replaces the sleep between attempts. Tests use it to record
// delays without waiting.
func WithWait(wait func(context.Context, time.Duration) error) Option {
	return func(config *doConfig) {
		config.wait = wait
	}
}

// Sleep waits for delay or until ctx is done.
func Sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do calls fn until it succeeds, returns a non-transient error, the policy's
// attempts run out or ctx is done. fn receives the 1-based attempt number.
// It returns the number of attempts made together with the final error.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context, attempt int) error, opts ...Option) (int, error) {
	policy = policy.WithDefaults()
	config := doConfig{classify: IsTransient, wait: Sleep}
	for _, opt := range opts {
		opt(&config)
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt - 1, fmt.Errorf("%w: %w", err, lastErr)
			}
			return attempt - 1, err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if !config.classify(err) {
			return attempt, err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.Backoff(attempt - 1)
		if requested, found := RetryAfter(err); found && requested > delay {
			delay = min(requested, policy.MaxBackoff)
		}
		if config.onRetry != nil {
			config.onRetry(Attempt{Number: attempt, Err: err, Delay: delay})
		}
		if waitErr := config.wait(ctx, delay); waitErr != nil {
			return attempt, fmt.Errorf("%w: %w", waitErr, err)
		}
	}

	return policy.MaxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, policy.MaxAttempts, lastErr)
}
