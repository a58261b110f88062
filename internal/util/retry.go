package util

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds how often and how patiently a failing call is retried.
// A Multiplier of 1 (or 0) keeps Delay fixed between attempts; larger values
// grow it geometrically.
type RetryPolicy struct {
	Attempts   int
	Delay      time.Duration
	Multiplier float64
}

// permanentError marks an error that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that RetryPolicy.Do stops at the current attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do calls fn until it succeeds, returns a Permanent error, or the policy's
// attempts are exhausted. It returns the number of attempts made and the
// last error. Cancellation of ctx interrupts the wait between attempts.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) (int, error) {
	attempts := max(p.Attempts, 1)
	delay := p.Delay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return attempt, nil
		}
		if IsPermanent(err) {
			return attempt, err
		}

		// Don't sleep after the last failed attempt.
		if attempt == attempts {
			return attempt, err
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, errors.Join(err, ctx.Err())
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return attempt, errors.Join(err, ctx.Err())
		}
		if p.Multiplier > 1 {
			delay = time.Duration(float64(delay) * p.Multiplier)
		}
	}
	return attempts, err
}
