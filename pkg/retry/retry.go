// Package retry runs operations under a bounded exponential backoff with jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/meterledger/pkg/errs"
)

type Policy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Jitter maps the computed delay to the delay actually slept.
	Jitter func(time.Duration) time.Duration
	// Retryable decides whether a failure is worth another attempt.
	Retryable func(error) bool
	Notify    func(err error, next time.Duration)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     10,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Jitter:          FullJitter,
		Retryable:       Transient,
	}
}

// FullJitter sleeps a uniformly random duration in [0, d).
func FullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return rand.N(d)
}

func NoJitter(d time.Duration) time.Duration { return d }

// Transient treats every unclassified or conflict error as retryable.
func Transient(err error) bool {
	return !errs.IsPermanent(err)
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts == 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.Jitter == nil {
		p.Jitter = def.Jitter
	}
	if p.Retryable == nil {
		p.Retryable = def.Retryable
	}
	return p
}

// exponential implements backoff.BackOff as InitialInterval * 2^attempt
// capped at MaxInterval, passed through the policy jitter.
type exponential struct {
	policy  Policy
	attempt int
}

func (b *exponential) NextBackOff() time.Duration {
	d := b.policy.InitialInterval << b.attempt
	if d <= 0 || d > b.policy.MaxInterval {
		d = b.policy.MaxInterval
	}
	b.attempt++
	return b.policy.Jitter(d)
}

func (b *exponential) Reset() { b.attempt = 0 }

// Do runs op until it succeeds, returns a non retryable error, the attempt
// budget runs out, or ctx is done. The last error is returned unwrapped.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	opts := []backoff.RetryOption{
		backoff.WithBackOff(&exponential{policy: p}),
		backoff.WithMaxTries(p.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
	}
	if p.Notify != nil {
		opts = append(opts, backoff.WithNotify(p.Notify))
	}
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && !p.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

var ErrExhausted = errs.New(errs.KindConflict, "retry_exhausted", "create did not succeed within the attempt budget")

// Create inserts a record optimistically. A uniqueness violation is resolved by
// asking exists whether the record is really there: if so AlreadyExists is
// returned for the caller to treat as success-or-conflict, otherwise the
// violation is treated as transient and create runs again with the next
// attempt number so it can regenerate any derived key.
func Create[T any](ctx context.Context, p Policy, create func(ctx context.Context, attempt int) (T, error), exists func(ctx context.Context) (bool, error)) (T, error) {
	attempt := 0
	v, err := Do(ctx, p, func(ctx context.Context) (T, error) {
		v, err := create(ctx, attempt)
		attempt++
		if err == nil || !errors.Is(err, errs.ErrAlreadyExists) {
			return v, err
		}
		found, existsErr := exists(ctx)
		if existsErr != nil {
			return v, existsErr
		}
		if found {
			return v, backoff.Permanent(err)
		}
		return v, ErrExhausted
	})
	return v, err
}
