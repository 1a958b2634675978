package export

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy defines per-task retry behavior: jittered exponential backoff
// bounded by a cumulative elapsed-time budget. Once the budget is spent the
// task's last error is returned and the task is discarded by the caller.
type Policy struct {
	// Budget is the cumulative retry time allowed per task.
	Budget time.Duration

	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64

	// Retryable classifies errors. A nil classifier treats every error as
	// retryable. Non-retryable errors stop immediately without consuming
	// the backoff budget.
	Retryable func(error) bool

	// OnRetry is invoked after each failed attempt with the error and the
	// delay before the next attempt.
	OnRetry func(err error, next time.Duration)
}

// DefaultPolicy returns the standard export retry policy for a budget.
func DefaultPolicy(budget time.Duration) Policy {
	return Policy{
		Budget:              budget,
		InitialInterval:     time.Second,
		MaxInterval:         60 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.3,
	}
}

// Execute runs op, retrying per the policy until success, a non-retryable
// error, budget exhaustion, or context cancellation.
func (p Policy) Execute(ctx context.Context, op func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		bo.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		bo.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		bo.Multiplier = p.Multiplier
	}
	if p.RandomizationFactor >= 0 {
		bo.RandomizationFactor = p.RandomizationFactor
	}
	bo.MaxElapsedTime = p.Budget
	bo.Reset()

	wrapped := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(err, next)
		}
	}

	return backoff.RetryNotify(wrapped, backoff.WithContext(bo, ctx), notify)
}
