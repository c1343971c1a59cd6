// Package retry provides the bounded retry combinator used around file I/O:
// an operation is attempted once and then retried a fixed number of times
// with a constant delay between attempts.
package retry

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default retry budget for file reads and writes: three additional attempts,
// 200 ms apart.
const (
	DefaultRetries = 3
	DefaultDelay   = 200 * time.Millisecond
)

// Policy is a retry budget.
type Policy struct {
	// Retries is the number of additional attempts after the first one.
	Retries int
	// Delay is the fixed wait between attempts.
	Delay time.Duration
}

// Default returns the default file I/O policy.
func Default() Policy {
	return Policy{Retries: DefaultRetries, Delay: DefaultDelay}
}

// Do runs op until it succeeds, returns a permanent error, the budget is
// exhausted, or ctx is cancelled. The last error from op is returned.
//
// Errors wrapping fs.ErrNotExist are treated as permanent: a file that has
// disappeared will not come back within the retry window.
func Do(ctx context.Context, p Policy, op func() error) error {
	if p.Retries < 0 {
		p.Retries = 0
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(p.Delay)
	b = backoff.WithMaxRetries(b, uint64(p.Retries))
	b = backoff.WithContext(b, ctx)

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func() error {
		v, err := op()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
