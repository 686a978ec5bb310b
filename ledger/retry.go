package ledger

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how hard the settlement service pushes a transaction
// before declaring it failed.
type RetryPolicy struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy retries a handful of times with exponential spacing,
// enough to ride out a transient RPC hiccup without stalling settlement.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     8 * time.Second,
		Multiplier:      2.0,
	}
}

// Do runs op under the policy, stopping early when ctx is done or op returns
// a permanent error.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.Multiplier = p.Multiplier
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, p.MaxAttempts-1), ctx)
	return backoff.Retry(op, b)
}

// Permanent marks err as non-retryable so Do gives up immediately.
func Permanent(err error) error { return backoff.Permanent(err) }
