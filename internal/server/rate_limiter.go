// Package server implements per-connection message throttling on top of a
// token bucket, protecting the dispatch loop from a single flooding peer.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

type rateLimiter struct {
	limiter *rate.Limiter
}

// newRateLimiter allows bursts of capacity messages, refilled evenly over
// interval. A non-positive capacity disables limiting and returns nil.
func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = time.Second
	}

	every := interval / time.Duration(capacity)
	return &rateLimiter{
		limiter: rate.NewLimiter(rate.Every(every), capacity),
	}
}

// allow reports whether one more message may pass. A nil limiter allows
// everything.
func (rl *rateLimiter) allow() bool {
	if rl == nil {
		return true
	}
	return rl.limiter.Allow()
}
