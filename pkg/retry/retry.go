// Package retry re-runs an operation a bounded number of times.
//
// It is only suitable for transient failures (a scheduler daemon
// timing out under load). Operations with persistent failure causes
// or side effects per attempt, like job submission, must not be
// wrapped.
package retry

import (
	"time"

	"github.com/pkg/errors"
)

// DoWithResult runs fn until it succeeds or the attempt budget is
// spent, sleeping between attempts. The last error is returned.
func DoWithResult[T any](fn func() (T, error), opts ...OptionFunc) (T, error) {
	opt := defaultOption()
	for _, o := range opts {
		o(&opt)
	}

	var (
		result  T
		lastErr error
	)
	for attempt := 1; attempt <= opt.maxAttempts; attempt++ {
		result, lastErr = fn()
		if lastErr == nil {
			return result, nil
		}
		if attempt < opt.maxAttempts {
			time.Sleep(opt.delay)
		}
	}
	return result, errors.Wrapf(lastErr, "failed after %d attempts", opt.maxAttempts)
}

// Do is DoWithResult for operations without a result.
func Do(fn func() error, opts ...OptionFunc) error {
	_, err := DoWithResult(func() (struct{}, error) {
		return struct{}{}, fn()
	}, opts...)
	return err
}
