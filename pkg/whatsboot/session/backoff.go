package session

import "time"

// Backoff decides how long to wait before restart attempt n (starting at 1).
type Backoff interface {
	Next(attempt int) time.Duration
}

// BackoffFunc adapts a function to the Backoff interface.
type BackoffFunc func(attempt int) time.Duration

// Next calls f(attempt).
func (f BackoffFunc) Next(attempt int) time.Duration { return f(attempt) }

// ExponentialBackoff doubles the delay per attempt up to Max.
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Next returns Initial * 2^(attempt-1), capped at Max.
func (b ExponentialBackoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max || d <= 0 {
			return b.Max
		}
	}
	return min(d, b.Max)
}
