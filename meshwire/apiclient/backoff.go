package apiclient

import (
	"context"
	"math/rand"
	"time"
)

// BackoffPolicy is a bounded exponential backoff with jitter. Waits
// grow by Multiplier from Initial up to Max; each wait is jittered by
// ±Jitter. TotalBudget caps the accumulated wait across attempts;
// MaxAttempts caps their count. Whichever bound is hit first stops
// the retry loop.
type BackoffPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      float64
	MaxAttempts int
	TotalBudget time.Duration
}

// DefaultBackoff suits publish retries: short waits, attempt-count
// bounded.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Initial:     50 * time.Millisecond,
		Max:         3 * time.Second,
		Multiplier:  2,
		Jitter:      0.25,
		MaxAttempts: 5,
	}
}

func (p BackoffPolicy) withDefaults() BackoffPolicy {
	if p.Initial <= 0 {
		p.Initial = 50 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 3 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	return p
}

// Wait returns the jittered wait before the given attempt (0-based),
// or false when the policy is exhausted given the time already
// spent.
func (p BackoffPolicy) Wait(attempt int, spent time.Duration) (time.Duration, bool) {
	p = p.withDefaults()
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return 0, false
	}
	if p.TotalBudget > 0 && spent >= p.TotalBudget {
		return 0, false
	}

	wait := time.Duration(float64(p.Initial) * pow(p.Multiplier, attempt))
	if wait > p.Max || wait <= 0 {
		wait = p.Max
	}
	if p.Jitter > 0 {
		delta := (rand.Float64()*2 - 1) * p.Jitter * float64(wait)
		wait += time.Duration(delta)
	}
	if p.TotalBudget > 0 && spent+wait > p.TotalBudget {
		wait = p.TotalBudget - spent
	}
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

// Retry runs fn under the policy until it succeeds, returns a
// non-retryable error, or the policy is exhausted.
func Retry(ctx context.Context, policy BackoffPolicy, fn func() error) error {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		wait, ok := policy.Wait(attempt, time.Since(start))
		if !ok {
			return wrapBudgetExhausted(err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func wrapBudgetExhausted(last error) error {
	return &budgetExhaustedError{last: last}
}

type budgetExhaustedError struct {
	last error
}

func (e *budgetExhaustedError) Error() string {
	return ErrRetryBudgetExhausted.Error() + ": " + e.last.Error()
}

func (e *budgetExhaustedError) Is(target error) bool {
	return target == ErrRetryBudgetExhausted
}

func (e *budgetExhaustedError) Unwrap() error {
	return e.last
}
