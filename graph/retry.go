package graph

import (
	"context"
	"time"
)

// BackoffStrategy selects how retry delays grow across attempts.
type BackoffStrategy string

const (
	// BackoffFixed waits InitialBackoff before every retry.
	BackoffFixed BackoffStrategy = "FIXED"

	// BackoffLinear waits InitialBackoff × attempt.
	BackoffLinear BackoffStrategy = "LINEAR"

	// BackoffExponential waits InitialBackoff × 2^(attempt-1).
	BackoffExponential BackoffStrategy = "EXPONENTIAL"
)

// RetryPolicy controls how failed node executions are retried.
//
// An attempt count of n means the node runs at most n times: the first
// execution plus n-1 retries. Backoff between attempts follows Strategy,
// capped at MaxBackoff when set.
type RetryPolicy struct {
	// MaxAttempts is the total execution budget, including the first
	// attempt. Values below 1 behave as 1 (no retries).
	MaxAttempts int

	// InitialBackoff seeds the delay sequence.
	InitialBackoff time.Duration

	// MaxBackoff caps every delay. Zero means uncapped.
	MaxBackoff time.Duration

	// Strategy selects the delay growth curve. Empty defaults to
	// exponential.
	Strategy BackoffStrategy

	// Retryable decides whether an error is worth retrying. Nil falls back
	// to Recoverable, which retries tool, network, timeout, rate-limit and
	// explicitly retryable errors.
	Retryable func(error) bool
}

// DefaultRetryPolicy mirrors common transient-failure handling: three
// attempts, exponential backoff from 100ms capped at 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Strategy:       BackoffExponential,
	}
}

// Backoff returns the delay before the retry that follows attempt (1-based:
// Backoff(1) is the delay after the first failed execution).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch p.Strategy {
	case BackoffFixed:
		d = p.InitialBackoff
	case BackoffLinear:
		d = p.InitialBackoff * time.Duration(attempt)
	default:
		d = p.InitialBackoff
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.MaxBackoff > 0 && d >= p.MaxBackoff {
				return p.MaxBackoff
			}
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// shouldRetry applies the policy's predicate, defaulting to Recoverable.
func (p RetryPolicy) shouldRetry(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return Recoverable(err)
}

// sleeper lets tests replace real delays with recorded ones.
type sleeper func(ctx context.Context, d time.Duration) error

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// executeWithRetry runs fn up to the policy's attempt budget. fn receives
// the 1-based attempt number. Non-retryable errors and context cancellation
// end the loop immediately; the last error is returned when the budget is
// exhausted.
func executeWithRetry(ctx context.Context, policy RetryPolicy, sleep sleeper,
	fn func(ctx context.Context, attempt int) (Message, error)) (Message, int, error) {
	if sleep == nil {
		sleep = sleepWithContext
	}
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		msg, err := fn(ctx, attempt)
		if err == nil {
			return msg, attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return Message{}, attempt, NewCancelledError("RUN_CANCELLED", "context cancelled during retry").
				WithCause(ctx.Err())
		}
		if attempt == attempts || !policy.shouldRetry(err) {
			return Message{}, attempt, lastErr
		}
		if err := sleep(ctx, policy.Backoff(attempt)); err != nil {
			return Message{}, attempt, NewCancelledError("RUN_CANCELLED", "context cancelled during backoff").
				WithCause(err)
		}
	}
	return Message{}, attempts, lastErr
}
