package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds a retried unit of work both per interval and in
// total wall-clock time. Once MaxElapsedTime is exceeded the operation
// gives up and the caller takes its fallback path (dead-letter, outbox).
type RetryPolicy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryPolicy returns the platform defaults: 1s initial backoff,
// doubling up to 16s per interval, 30s total budget.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 1 * time.Second,
		Multiplier:      2.0,
		MaxInterval:     16 * time.Second,
		MaxElapsedTime:  30 * time.Second,
	}
}

// BackOff materializes the policy as a context-aware backoff.
func (p RetryPolicy) BackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = p.MaxElapsedTime
	return backoff.WithContext(b, ctx)
}

// Retry runs op under the policy. Wrap an error with
// backoff.Permanent to stop retrying early.
func Retry(ctx context.Context, policy RetryPolicy, op func() error) error {
	return backoff.Retry(op, policy.BackOff(ctx))
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
