package usecase

import (
	"context"
	"time"

	"storysync/internal/sync/domain"
)

// withRetry runs op up to attempts times, sleeping with exponential backoff
// between tries. Only errors the taxonomy marks transient are retried;
// anything else is returned immediately.
func withRetry(ctx context.Context, attempts int, base time.Duration, op func() error) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := base << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err = op()
		if err == nil || !domain.IsTransient(err) {
			return err
		}
	}
	return err
}
