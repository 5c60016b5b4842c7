package session

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

const maxRetryDelay = 2 * time.Second

// retryPolicy bounds how often a provider connection is re-attempted.
type retryPolicy struct {
	retries int
	base    time.Duration
}

func (p retryPolicy) backoff() retry.Backoff {
	base := p.base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	retries := p.retries
	if retries < 0 {
		retries = 0
	}
	b := retry.NewExponential(base)
	b = retry.WithCappedDuration(maxRetryDelay, b)
	return retry.WithMaxRetries(uint64(retries), b)
}

// do runs op until it succeeds, returns a non-retryable error, or the budget
// is spent. op marks transient failures with retry.RetryableError.
func (p retryPolicy) do(ctx context.Context, op func(ctx context.Context) error) error {
	return retry.Do(ctx, p.backoff(), op)
}
