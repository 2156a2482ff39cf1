package office

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is the shared backoff shape for every network call: base 1s,
// doubling, capped at 60s, +-20% jitter, with a per-call attempt limit and a
// total budget.
type RetryPolicy struct {
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	Jitter      float64
	MaxAttempts int
	Budget      time.Duration
}

func DefaultRetryPolicy(maxAttempts int) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return RetryPolicy{
		Base:        time.Second,
		Factor:      2,
		Cap:         60 * time.Second,
		Jitter:      0.2,
		MaxAttempts: maxAttempts,
		Budget:      5 * time.Minute,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Factor
	b.MaxInterval = p.Cap
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = p.Budget
	b.Reset()
	var wrapped backoff.BackOff = b
	if p.MaxAttempts > 0 {
		wrapped = backoff.WithMaxRetries(wrapped, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(wrapped, ctx)
}

// Do runs op under the policy. Wrap terminal failures in backoff.Permanent
// to stop early. onRetry fires before each re-attempt.
func (p RetryPolicy) Do(ctx context.Context, op func() error, onRetry func(error, time.Duration)) error {
	notify := backoff.Notify(nil)
	if onRetry != nil {
		notify = onRetry
	}
	return backoff.RetryNotify(op, p.backOff(ctx), notify)
}
