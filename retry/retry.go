// Package retry runs a task repeatedly until it succeeds and its result passes
// validation, waiting a constant delay between attempts.
package retry

import (
	"context"
	"errors"
	"time"

	utilsretry "github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

// ErrInvalidResult is returned when the last attempt completed but its result
// was rejected by the validator.
var ErrInvalidResult = errors.New("invalid result")

// Task is a unit of work that can be attempted multiple times.
type Task[T any] func(ctx context.Context) (T, error)

// Option configures WithRetry.
type Option func(*options)

type options struct {
	onAttempt func(attempt int)
	logger    log.Logger
	name      string
}

// OnAttempt registers a callback invoked before every attempt with the
// 1-based attempt number.
func OnAttempt(fn func(attempt int)) Option {
	return func(o *options) {
		o.onAttempt = fn
	}
}

// WithLogger logs failed attempts under the given task name.
func WithLogger(logger log.Logger, name string) Option {
	return func(o *options) {
		o.logger = logger
		o.name = name
	}
}

// WithRetry attempts task at most maxAttempts times (at least once) and waits
// delay between consecutive attempts. A nil validate accepts every result.
// The error of the last attempt is returned when all attempts fail. A
// cancelled context stops further attempts, also while waiting the delay.
func WithRetry[T any](ctx context.Context, task Task[T], validate func(T) bool, maxAttempts int, delay time.Duration, opts ...Option) (T, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var result T
	// The delay is waited here instead of through Wait, whose sleep ignores ctx.
	err := utilsretry.Times(uint(maxAttempts-1)).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 && !wait(ctx, delay) {
			return ctx.Err(), true
		}
		if err := ctx.Err(); err != nil {
			return err, true
		}

		if o.onAttempt != nil {
			o.onAttempt(int(attempt) + 1)
		}

		res, err := task(ctx)
		if err == nil && validate != nil && !validate(res) {
			err = ErrInvalidResult
		}
		if err != nil {
			if o.logger != nil {
				o.logger.Warnf("%s attempt %d/%d failed: %s", o.name, attempt+1, maxAttempts, err)
			}
			return err, false
		}

		result = res
		return nil, false
	})
	if err != nil {
		var zero T
		return zero, err
	}

	return result, nil
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Do is WithRetry for tasks without a result.
func Do(ctx context.Context, task func(ctx context.Context) error, maxAttempts int, delay time.Duration, opts ...Option) error {
	_, err := WithRetry(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, task(ctx)
	}, nil, maxAttempts, delay, opts...)
	return err
}
