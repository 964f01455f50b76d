// Package util provides shared utility functions for webdavd.
package util

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/avast/retry-go/v4"
)

// PersistRetryOptions returns retry options for state file writes.
// Uses backoff (50ms, 100ms, 200ms) and gives up on permanent errors.
func PersistRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(4),
		retry.Delay(50 * time.Millisecond),
		retry.MaxDelay(500 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsTransient),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// DefaultRetryOptions returns sensible defaults for retry operations.
func DefaultRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(1 * time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// Retry executes fn with retry logic.
// Returns the last error if all attempts fail.
func Retry(ctx context.Context, fn func() error, opts ...retry.Option) error {
	if len(opts) == 0 {
		opts = DefaultRetryOptions(ctx)
	}
	return retry.Do(fn, opts...)
}

// RetryWithResult executes fn with retry logic and returns the result.
func RetryWithResult[T any](ctx context.Context, fn func() (T, error), opts ...retry.Option) (T, error) {
	if len(opts) == 0 {
		opts = DefaultRetryOptions(ctx)
	}
	return retry.DoWithData(fn, opts...)
}

// Common retry predicates

// IsTransient returns false for errors that will not go away on their own
// (missing paths, permission problems, cancelled contexts).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, fs.ErrNotExist),
		errors.Is(err, fs.ErrPermission),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
