package sync

import (
	stdsync "sync"
	"time"
)

// TryMutex behaves like a sync.Mutex, but additionally exposes TryLock,
// which acquires the lock only if it is immediately available, and
// TryLockTimed, which gives up after a timeout. The coordinator uses a
// TryMutex to guard its own state (pause bit and active-worker set); its
// callers, the hang detector included, take it with a blocking Lock.
type TryMutex struct {
	once stdsync.Once
	c    chan struct{}
}

// Lock blocks until the mutex is available and then acquires it.
func (tm *TryMutex) Lock() {
	tm.init()
	tm.c <- struct{}{}
}

// Unlock releases the mutex. Unlock on an unlocked TryMutex panics, the same
// as sync.Mutex.
func (tm *TryMutex) Unlock() {
	tm.init()
	select {
	case <-tm.c:
	default:
		panic("unlock of unlocked TryMutex")
	}
}

// TryLock acquires the mutex if it is available, returning true if the lock
// was acquired and false otherwise. TryLock never blocks.
func (tm *TryMutex) TryLock() bool {
	tm.init()
	select {
	case tm.c <- struct{}{}:
		return true
	default:
		return false
	}
}

// TryLockTimed acquires the mutex if it becomes available within d,
// returning true if the lock was acquired and false if d elapsed first.
func (tm *TryMutex) TryLockTimed(d time.Duration) bool {
	tm.init()
	select {
	case tm.c <- struct{}{}:
		return true
	case <-time.After(d):
		return false
	}
}

func (tm *TryMutex) init() {
	tm.once.Do(func() {
		tm.c = make(chan struct{}, 1)
	})
}
