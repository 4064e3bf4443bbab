package resiliency

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a retried operation: at most MaxAttempts calls, sleeping an
// exponentially growing delay (BaseDelay, 2*BaseDelay, ...) capped at MaxDelay
// between them.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is the policy used for remote storage calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// Notify is called after a failed attempt that will be retried.
type Notify func(err error, next time.Duration)

// Permanent marks err as terminal. Retry returns it (unwrapped) without
// further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Retry runs op until it succeeds, returns a Permanent error, the policy's
// attempt budget is spent, or ctx is done.
func Retry[T any](ctx context.Context, p Policy, op func() (T, error), notify ...Notify) (T, error) {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.attempts())),
	}
	if len(notify) > 0 && notify[0] != nil {
		opts = append(opts, backoff.WithNotify(backoff.Notify(notify[0])))
	}

	res, err := backoff.Retry(ctx, backoff.Operation[T](op), opts...)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		var zero T
		return zero, err
	}
	return res, nil
}

// Do is Retry for operations without a result.
func Do(ctx context.Context, p Policy, op func() error, notify ...Notify) error {
	_, err := Retry(ctx, p, func() (struct{}, error) {
		return struct{}{}, op()
	}, notify...)
	return err
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Millisecond
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	return b
}
