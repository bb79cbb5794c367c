package service

import (
	"context"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/pesio-ai/be-ops-approvals/internal/errors"
)

const conflictRetryDelay = 5 * time.Millisecond

// RetryOnConflict runs fn up to attempts times while it fails with a
// CONFLICT error. Each repeated attempt is reported to onRetry. Any other
// error is returned immediately.
func RetryOnConflict(ctx context.Context, attempts uint, onRetry func(attempt uint), fn func() error) error {
	if attempts == 0 {
		attempts = 1
	}

	var attempt uint
	return retry.New(
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(conflictRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(errors.IsConflict),
	).Do(func() error {
		attempt++
		if attempt > 1 && onRetry != nil {
			onRetry(attempt)
		}
		return fn()
	})
}
