// Package retry repeats operations that fail temporarily, waiting an
// exponentially growing, optionally jittered delay between attempts.
//
//	p := retry.DefaultPolicy()
//	p.Retryable = delivery.IsTemporary
//	err := p.Do(ctx, func(ctx context.Context) error {
//		return relay.Send(ctx, from, to, msg)
//	})
//
// With jitter enabled the delay is base * (0.5 + random(0, 0.5)).
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrDeadline is wrapped into the result when the next delay would run past
// the context deadline.
var ErrDeadline = errors.New("retry abandoned before context deadline")

// Policy describes how often and how far apart an operation is retried.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int

	// Retryable reports whether an error is worth another attempt. All
	// errors are retried when nil.
	Retryable func(error) bool
	// OnRetry, when set, is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      2,
	}
}

// Delay returns the wait before retry number attempt (1 for the first
// retry).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.InitialInterval
	if attempt > 1 {
		f := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempt-1))
		if p.MaxInterval > 0 && f > float64(p.MaxInterval) {
			f = float64(p.MaxInterval)
		}
		d = time.Duration(f)
	} else if p.MaxInterval > 0 && d > p.MaxInterval {
		d = p.MaxInterval
	}
	if p.Jitter && d >= 2 {
		d = d/2 + time.Duration(rand.Int63n(int64(d/2)))
	}
	return d
}

// Do calls op until it succeeds, returns a Stop error, fails with an error
// Retryable rejects, or MaxRetries retries are used up. Exhaustion returns
// the last error wrapped with the attempt count.
func (p Policy) Do(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.Delay(attempt)
			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
				return fmt.Errorf("%w after %d attempts: %w", ErrDeadline, attempt, lastErr)
			}
			if p.OnRetry != nil {
				p.OnRetry(attempt, delay, lastErr)
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-timer.C:
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		var stop stopError
		if errors.As(err, &stop) {
			return stop.err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("operation failed after %d attempts: %w", p.MaxRetries+1, lastErr)
}

type stopError struct{ err error }

func (s stopError) Error() string { return s.err.Error() }
func (s stopError) Unwrap() error { return s.err }

// Stop wraps err so that Do returns it at once, unwrapped.
func Stop(err error) error {
	return stopError{err: err}
}
