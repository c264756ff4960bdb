// Package retry wraps broker calls with bounded, rate-limited retries.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/amirphl/multitrader/internal/broker"
	"github.com/amirphl/multitrader/internal/ratelimit"
)

// Policy describes how hard to try before giving up.
type Policy struct {
	Name              string
	MaxAttempts       uint
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	JitterFraction    float64
	MaxElapsed        time.Duration
	Retryable         func(error) bool
}

// DefaultPolicy is the patient preset for read operations.
func DefaultPolicy() Policy {
	return Policy{
		Name:              "default",
		MaxAttempts:       5,
		InitialDelay:      500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          30 * time.Second,
		JitterFraction:    0.25,
		MaxElapsed:        2 * time.Minute,
		Retryable:         broker.Retryable,
	}
}

// OrderCriticalPolicy fails fast: a stuck place/cancel/exit must surface
// quickly so risk management is never blocked behind it.
func OrderCriticalPolicy() Policy {
	return Policy{
		Name:              "order_critical",
		MaxAttempts:       3,
		InitialDelay:      250 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          2 * time.Second,
		JitterFraction:    0.25,
		MaxElapsed:        10 * time.Second,
		Retryable:         broker.Retryable,
	}
}

// Executor runs operations under a policy, consuming one rate-limiter token
// per attempt so retries count against the broker's budget like any call.
type Executor struct {
	limits *ratelimit.Registry
}

func NewExecutor(limits *ratelimit.Registry) *Executor {
	return &Executor{limits: limits}
}

// Do runs op under the policy against the named broker's rate budget.
// Fatal (non-retryable) errors are returned immediately; on exhaustion the
// last error is returned wrapped with the attempt count.
func Do[T any](ctx context.Context, ex *Executor, brokerName string, p Policy, op func(context.Context) (T, error)) (T, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = broker.Retryable
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialDelay
	bo.Multiplier = p.BackoffMultiplier
	bo.MaxInterval = p.MaxDelay
	bo.RandomizationFactor = p.JitterFraction

	attempts := 0
	wrapped := func() (T, error) {
		var zero T
		if ex != nil && ex.limits != nil {
			if err := ex.limits.Acquire(ctx, brokerName); err != nil {
				return zero, backoff.Permanent(err)
			}
		}
		attempts++
		out, err := op(ctx)
		if err == nil {
			return out, nil
		}
		if !retryable(err) {
			return zero, backoff.Permanent(err)
		}
		return zero, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(p.MaxAttempts),
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}

	out, err := backoff.Retry(ctx, wrapped, opts...)
	if err != nil {
		var zero T
		if !retryable(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		return zero, fmt.Errorf("%s policy exhausted after %d attempts: %w", p.Name, attempts, err)
	}
	return out, nil
}
