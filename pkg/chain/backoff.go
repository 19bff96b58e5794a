package chain

import (
	"math/rand/v2"
	"time"
)

// Backoff computes an exponential delay capped at max, then adds 0-30%
// jitter on top, so the returned value can reach 1.3x max.
// There is no third-party backoff library anywhere in the retrieved
// example pack, so this is a small from-scratch helper rather than an
// adaptation of one.
func Backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	delay := base * time.Duration(1<<uint(attempt))
	if delay > max || delay <= 0 {
		delay = max
	}
	jitter := time.Duration(rand.Float64() * 0.3 * float64(delay))
	return delay + jitter
}
