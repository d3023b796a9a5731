// Package retry implements the bounded retry policy applied to the
// login sequence: exponential backoff with no jitter, attempted only
// for network-shaped faults. Refresh failures are never routed through
// here, since a stale refresh token will not become valid by retrying.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pysiyou/atlas-sub001/faults"
)

// Policy bounds a retried operation.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     uint64 // total attempts, including the first
}

// DefaultPolicy retries twice after the initial attempt, waiting 1s
// then 2s, with a 10s cap on any single delay.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		MaxAttempts:     3,
	}
}

// Do runs op under the policy. Faults that are not network-shaped stop
// the retry loop immediately and are returned as-is; a still-failing op
// returns its final fault once the allowed attempts are spent.
func Do(ctx context.Context, p Policy, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	wrapped := func() error {
		err := op()
		if err != nil && !faults.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(b, attempts-1), ctx))
}
