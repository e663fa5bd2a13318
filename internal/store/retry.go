package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/roach88/rewind/internal/fault"
)

// DefaultRetryTries bounds Retry attempts.
const DefaultRetryTries = 5

// Retry runs op with exponential backoff while it fails with a retryable
// (storage) error. Any other error stops immediately and is returned as is.
func Retry[T any](ctx context.Context, tries uint, op func() (T, error)) (T, error) {
	if tries == 0 {
		tries = DefaultRetryTries
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = time.Second

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !fault.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(tries))
}
