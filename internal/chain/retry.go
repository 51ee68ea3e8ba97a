package chain

import (
	"context"
	"errors"
	"time"
)

type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// run calls fn until it succeeds, returns a permanent error, retries are exhausted
// or ctx is done. onRetry is called before each wait.
func (p retryPolicy) run(ctx context.Context, fn func(ctx context.Context, attempt int) error, onRetry func(attempt int, err error)) (int, error) {
	maxRetries := p.maxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	delay := p.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	for attempt := 0; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return attempt + 1, nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return attempt + 1, perm.err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt + 1, ctxErr
		}
		if attempt >= maxRetries {
			return attempt + 1, err
		}
		if onRetry != nil {
			onRetry(attempt+1, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt + 1, ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if p.maxDelay > 0 && delay > p.maxDelay {
			delay = p.maxDelay
		}
	}
}
