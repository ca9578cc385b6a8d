package platform

import (
	"context"
	"errors"
	"net"
	"time"
)

// RetryPolicy is declarative retry data: the number of attempts, the backoff
// between them, and a predicate deciding which errors are worth retrying.
// Deliberately a struct, not a decorator — see the design notes on retrying
// as data rather than as control flow wrapped around a call.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	Retriable   func(error) bool
}

// DefaultRetryPolicy is the 5-attempt, 1s fixed-backoff policy used, directly
// or as the base of a caller's own policy, by the metrics queries, engine
// adapters, task-service client, scaler catalog and node listing. The scanner
// registry's pod list and pod delete calls are made once, without retry.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	Backoff:     time.Second,
	Retriable:   IsTransient,
}

// IsTransient reports whether err looks like a connection or timeout failure
// rather than an authentication, validation, or application-level error.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return false
}

// Do runs fn up to p.MaxAttempts times, sleeping p.Backoff between attempts,
// stopping early if err is nil or p.Retriable says the error isn't worth
// retrying. It returns the last error seen. ctx cancellation aborts waiting.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	retriable := p.Retriable
	if retriable == nil {
		retriable = IsTransient
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retriable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Backoff):
		}
	}
	return lastErr
}
