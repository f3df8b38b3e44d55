// Package retry holds the small retry-policy value object shared by the
// router's metadata refresh and the send coordinator: attempt count plus
// backoff.
package retry

import "time"

// Policy describes how many times, and with what backoff, an operation
// should be retried. MaxElapsed is carried on the type but not read by the
// router or the coordinator: retries are bounded by MaxAttempts alone,
// regardless of how long that takes.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxElapsed  time.Duration
}

// Default is three attempts, exponential backoff from 100ms, capped at 2s,
// unbounded elapsed time.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// NoRetry is a single-attempt policy. timeout is stored as BaseDelay,
// which only spaces retries, so it has no effect with one attempt; the
// attempt is not bounded by it.
func NoRetry(timeout time.Duration) Policy {
	return Policy{MaxAttempts: 1, BaseDelay: timeout}
}

// Delay returns the backoff to sleep before attempt number n (0-indexed;
// Delay(0) is the wait before the *second* attempt).
func (p Policy) Delay(n int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d > p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// Attempts returns MaxAttempts, defaulting to 1 if unset.
func (p Policy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}
