package sync

import stdsync "sync"

// Limiter enforces a cap on the number of units of some resource that may
// be in use at once: a user Requests units before it starts and Releases
// them when it finishes, so the limiter's current usage is the number of
// units held. The coordinator's thread-limit and the server pool's
// connection cap do not use it; they count active workers and open
// connections themselves.
//
// Unlike a semaphore built on a buffered channel, Limiter allows a single
// Request to reserve more than one unit at a time and allows SetLimit to
// change the cap at runtime (the daemon's thread-limit is a live-editable
// option), waking any Request calls that the new, larger limit now admits.
type Limiter struct {
	mu      stdsync.Mutex
	cond    *stdsync.Cond
	limit   int
	current int
}

// NewLimiter returns a Limiter admitting up to limit units at once.
func NewLimiter(limit int) *Limiter {
	l := &Limiter{limit: limit}
	l.cond = stdsync.NewCond(&l.mu)
	return l
}

// Request blocks until n units are available and reserves them, or until
// cancel is closed, in which case Request returns true and reserves
// nothing. A nil cancel channel means Request will never give up.
//
// A single caller may Request more than the configured limit; that request
// is admitted once current usage drops to zero, and blocks all other
// requests until it is released.
func (l *Limiter) Request(n int, cancel <-chan struct{}) (cancelled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cancel != nil {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-cancel:
				l.mu.Lock()
				l.cond.Broadcast()
				l.mu.Unlock()
			case <-done:
			}
		}()
	}

	for {
		fits := l.current+n <= l.limit
		fitsAsSoleRequest := l.current == 0
		if fits || fitsAsSoleRequest {
			l.current += n
			return false
		}
		select {
		case <-cancel:
			return true
		default:
		}
		l.cond.Wait()
		select {
		case <-cancel:
			return true
		default:
		}
	}
}

// Release returns n units to the limiter, waking any blocked Request.
func (l *Limiter) Release(n int) {
	l.mu.Lock()
	l.current -= n
	l.cond.Broadcast()
	l.mu.Unlock()
}

// SetLimit changes the cap, waking blocked requests that the new limit
// might now admit.
func (l *Limiter) SetLimit(limit int) {
	l.mu.Lock()
	l.limit = limit
	l.cond.Broadcast()
	l.mu.Unlock()
}
