package sync

import (
	stdsync "sync"
	"time"
)

// SafeLock is a mutex that refuses to stay locked forever: if a locker
// forgets to release a SafeLock, or dies between Lock and Unlock, waiters
// are eventually let through anyway once timeout elapses. It backs the
// per-file output mutex (4.2) and the per-collection message mutex (4.2),
// both of which are created and torn down across worker lifetimes where a
// leaked hold would otherwise wedge the whole pipeline.
//
// Unlock takes the id returned by Lock so that a late Unlock call from a
// goroutine that already timed out cannot release a different holder's
// lock.
type SafeLock struct {
	sem     chan struct{} // size-1: held iff empty
	waiters chan struct{} // bounds the number of goroutines queued on Lock
	timeout time.Duration

	mu    stdsync.Mutex
	epoch uint64
}

// New returns a SafeLock that releases itself automatically after timeout
// if its holder never explicitly calls Unlock, and that allows up to
// maxConcurrentWaiters goroutines to queue on Lock before additional
// callers block on the channel itself rather than spinning.
func New(timeout time.Duration, maxConcurrentWaiters int) *SafeLock {
	sl := &SafeLock{
		sem:     make(chan struct{}, 1),
		waiters: make(chan struct{}, maxConcurrentWaiters),
		timeout: timeout,
	}
	sl.sem <- struct{}{}
	return sl
}

// Lock blocks until the lock is acquired and returns an id that must be
// passed to Unlock. If the id is never unlocked, the lock releases itself
// after the SafeLock's configured timeout.
func (sl *SafeLock) Lock() uint64 {
	sl.waiters <- struct{}{}
	<-sl.sem
	<-sl.waiters

	sl.mu.Lock()
	sl.epoch++
	id := sl.epoch
	sl.mu.Unlock()

	time.AfterFunc(sl.timeout, func() { sl.unlockIfCurrent(id) })
	return id
}

// Unlock releases the lock if id is still the current holder. A call with a
// stale id (one that already timed out, or was already unlocked) is a
// no-op.
func (sl *SafeLock) Unlock(id uint64) {
	sl.unlockIfCurrent(id)
}

func (sl *SafeLock) unlockIfCurrent(id uint64) {
	sl.mu.Lock()
	ok := id == sl.epoch
	sl.mu.Unlock()
	if !ok {
		return
	}
	select {
	case sl.sem <- struct{}{}:
	default:
		// Already released by whichever of Unlock/timeout got here first.
	}
}
