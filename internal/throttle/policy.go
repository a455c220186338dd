// Package throttle holds the cooldown policy applied before every call to
// the inference gateway.
package throttle

import "time"

const (
	// DefaultInterval is the minimum spacing between gateway calls for a
	// fresh session.
	DefaultInterval = 5 * time.Second
	// RateLimitedInterval is the floor applied once the gateway has
	// signalled rate limiting.
	RateLimitedInterval = 10 * time.Second
)

// Wait returns how long a caller must still wait at now before issuing a
// request, given the previous request time. The result is never negative.
func Wait(now, last time.Time, minInterval time.Duration) time.Duration {
	if last.IsZero() || minInterval <= 0 {
		return 0
	}
	wait := minInterval - now.Sub(last)
	if wait < 0 {
		return 0
	}
	return wait
}

// Escalate ratchets the interval after a rate-limit signal. It never lowers
// the current value.
func Escalate(current time.Duration) time.Duration {
	if current < RateLimitedInterval {
		return RateLimitedInterval
	}
	return current
}
