package address

import (
	"context"
	"sync"
	"time"
)

// genLock serializes address derivation so two concurrent issuance
// calls never read the same high-water HD index and collide on the same
// child key. It carries a watchdog that force-releases the lock after a
// timeout: a wedged derivation must not wedge every future issuance
// behind it.
type genLock struct {
	ch      chan struct{} // capacity-1 semaphore
	timeout time.Duration
	wait    time.Duration

	mu       sync.Mutex
	watchdog *time.Timer
}

func newGenLock(timeout, wait time.Duration) *genLock {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if wait <= 0 {
		wait = 10 * time.Second
	}
	ch := make(chan struct{}, 1)
	ch <- struct{}{}
	return &genLock{ch: ch, timeout: timeout, wait: wait}
}

// acquire blocks up to the configured wait budget for the lock, then arms
// the watchdog. The returned release func is idempotent; call it via defer.
// Returns ErrLockTimeout if the wait budget expires first.
func (g *genLock) acquire(ctx context.Context) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.wait)
	defer cancel()

	select {
	case <-g.ch:
	case <-waitCtx.Done():
		return nil, ErrLockTimeout
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			g.mu.Lock()
			if g.watchdog != nil {
				g.watchdog.Stop()
				g.watchdog = nil
			}
			g.mu.Unlock()
			g.ch <- struct{}{}
		})
	}

	g.mu.Lock()
	g.watchdog = time.AfterFunc(g.timeout, func() {
		once.Do(func() {
			g.ch <- struct{}{}
		})
	})
	g.mu.Unlock()

	return release, nil
}
