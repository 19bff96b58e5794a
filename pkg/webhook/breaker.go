package webhook

import (
	"sync"
	"time"
)

// breakerState enumerates a single endpoint's circuit state, modeled on
// the counter-plus-threshold-plus-state-enum shape used throughout the
// ambient stack (e.g. a scheduler's running/stopped state).
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

const (
	breakerFailureThreshold = 5
	breakerWindow           = 60 * time.Second
	breakerResetAfter       = 60 * time.Second
)

// breaker tracks delivery failures for a single endpoint URL in a sliding
// window, tripping open once the threshold is crossed within the window
// and moving to half-open after the reset window elapses. While half-open
// every attempt is allowed until the next failure reopens the breaker or
// the next success closes it.
type breaker struct {
	mu       sync.Mutex
	failures []time.Time
	state    breakerState
	openedAt time.Time
}

func newBreaker() *breaker {
	return &breaker{}
}

// allow reports whether a delivery attempt may proceed, transitioning an
// open breaker to half-open once the reset window has elapsed.
func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if now.Sub(b.openedAt) >= breakerResetAfter {
			b.state = breakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// recordSuccess closes the breaker and clears its failure history.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = nil
}

// recordFailure appends a failure timestamp, prunes entries outside the
// sliding window, and trips the breaker open if the threshold is met.
// Returns true if this failure tripped the breaker open.
func (b *breaker) recordFailure(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = now
		b.failures = []time.Time{now}
		return true
	}

	cutoff := now.Add(-breakerWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = append(kept, now)

	if len(b.failures) >= breakerFailureThreshold {
		b.state = breakerOpen
		b.openedAt = now
		return true
	}
	return false
}

// registry hands out one breaker per endpoint URL, keyed in a sync.Map so
// concurrent dispatch goroutines never race constructing one.
type registry struct {
	breakers sync.Map // url -> *breaker
}

func newRegistry() *registry {
	return &registry{}
}

func (r *registry) get(url string) *breaker {
	if v, ok := r.breakers.Load(url); ok {
		return v.(*breaker)
	}
	v, _ := r.breakers.LoadOrStore(url, newBreaker())
	return v.(*breaker)
}
