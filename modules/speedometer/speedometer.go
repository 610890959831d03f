// Package speedometer implements the coordinator's current-rate readout:
// a ring of one-second byte buckets that Add accumulates into and
// RateKiB summarizes. It is deliberately lock-free (SPEC_FULL.md §4.3 /
// §9): concurrent Add and RateKiB calls can race on an individual
// bucket, producing a transient under- or over-read that self-heals
// within one ring rotation. Under concurrent use only eventual
// convergence holds; with a single goroutine and a fixed clock the
// readout is exact.
package speedometer

import (
	"sync/atomic"
	"time"
)

// numBuckets is the ring size in seconds.
const numBuckets = 30

// Speedometer accumulates downloaded bytes into per-second buckets and
// reports a rolling average rate.
type Speedometer struct {
	buckets [numBuckets]int64
	lastSec int64 // unix seconds of the most recently touched bucket
	nowFunc func() time.Time
}

// New returns a Speedometer anchored to the current time.
func New() *Speedometer {
	return NewWithClock(time.Now)
}

// NewWithClock returns a Speedometer using nowFunc as its clock, for
// deterministic tests.
func NewWithClock(nowFunc func() time.Time) *Speedometer {
	s := &Speedometer{nowFunc: nowFunc}
	atomic.StoreInt64(&s.lastSec, nowFunc().Unix())
	return s
}

// Add records n bytes as having been transferred just now. Calling Add
// with n == 0 is valid and used by the coordinator to keep the bucket
// timeline advancing even when no worker reported progress this tick
// (SPEC_FULL.md §4.5 step 2).
func (s *Speedometer) Add(n int) {
	now := s.nowFunc().Unix()
	last := atomic.LoadInt64(&s.lastSec)
	if now > last {
		s.advance(last, now)
		atomic.StoreInt64(&s.lastSec, now)
	}
	idx := now % numBuckets
	atomic.AddInt64(&s.buckets[idx], int64(n))
}

// advance zeroes every bucket after last up to and including now (mod
// the ring size, at most one full ring), so a long idle gap doesn't leave stale byte counts behind
// once the ring wraps back around to them.
func (s *Speedometer) advance(last, now int64) {
	gap := now - last
	if gap > numBuckets {
		gap = numBuckets
	}
	for i := int64(1); i <= gap; i++ {
		idx := (last + i) % numBuckets
		atomic.StoreInt64(&s.buckets[idx], 0)
	}
}

// RateKiB returns the current rolling rate in KiB/s, averaged over the
// full ring.
func (s *Speedometer) RateKiB() float64 {
	var total int64
	for i := range s.buckets {
		total += atomic.LoadInt64(&s.buckets[i])
	}
	return float64(total) / numBuckets / 1024
}
