package invoker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
)

// RetryPolicy bounds the retry behavior of a RetryingInvoker
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// DefaultRetryPolicy is used when a zero policy is supplied
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     10 * time.Second,
	MaxElapsed:      45 * time.Second,
}

// RetryingInvoker retries transient provider errors with exponential
// backoff. Non-transient errors and non-provider errors pass through
// unchanged on the first attempt.
type RetryingInvoker struct {
	next   Invoker
	policy RetryPolicy
}

// NewRetrying wraps next with the given retry policy
func NewRetrying(next Invoker, policy RetryPolicy) *RetryingInvoker {
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = DefaultRetryPolicy.MaxInterval
	}
	if policy.MaxElapsed <= 0 {
		policy.MaxElapsed = DefaultRetryPolicy.MaxElapsed
	}
	return &RetryingInvoker{next: next, policy: policy}
}

// Invoke implements Invoker
func (r *RetryingInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	b.MaxElapsedTime = r.policy.MaxElapsed

	var result *Result
	op := func() error {
		res, err := r.next.Invoke(ctx, req)
		if err != nil {
			var perr *ProviderError
			if errors.As(err, &perr) && perr.Transient() {
				return err
			}
			return backoff.Permanent(err)
		}
		result = res
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}
