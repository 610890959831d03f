// Package ratelimit throttles the byte streams used to talk to upstream
// servers. The daemon exposes a single pair of global limits (download and
// upload bytes/sec) that the RPC SetDownloadRate call can change at
// runtime; every connection in the server pool wraps its socket in a
// RLReadWriter so the new limit takes effect immediately for traffic
// already in flight.
package ratelimit

import (
	"context"
	"io"
	"sync"

	"golang.org/x/time/rate"
)

const unlimited = 0

var (
	mu         sync.RWMutex
	downLimit  = rate.NewLimiter(rate.Inf, int(defaultBurst))
	upLimit    = rate.NewLimiter(rate.Inf, int(defaultBurst))
	packetSize = defaultBurst
)

const defaultBurst = 1 << 16

// SetLimits sets the global download and upload rates, in bytes per second.
// A limit of 0 means unlimited. packetSize is the chunk size that reads and
// writes are broken into; a smaller packetSize makes the limiter track the
// configured rate more closely at the cost of more syscalls.
func SetLimits(downBPS, upBPS int64, pkt uint64) {
	mu.Lock()
	defer mu.Unlock()
	if pkt == 0 {
		pkt = defaultBurst
	}
	packetSize = pkt
	downLimit = newLimiter(downBPS, pkt)
	upLimit = newLimiter(upBPS, pkt)
}

func newLimiter(bps int64, pkt uint64) *rate.Limiter {
	if bps <= unlimited {
		return rate.NewLimiter(rate.Inf, int(pkt))
	}
	return rate.NewLimiter(rate.Limit(bps), int(pkt))
}

// RLReadWriter wraps an io.ReadWriter so that Read and Write are throttled
// to the globally configured rates. Every connection the server pool opens
// is wrapped in one, so a single SetLimits call governs every in-flight
// article download.
type RLReadWriter struct {
	rw io.ReadWriter
}

// NewRLReadWriter wraps rw with the current global rate limits.
func NewRLReadWriter(rw io.ReadWriter) *RLReadWriter {
	return &RLReadWriter{rw: rw}
}

// Read reads into p, blocking as needed to stay under the global download
// rate.
func (r *RLReadWriter) Read(p []byte) (int, error) {
	return throttledIO(p, downLimiter(), r.rw.Read)
}

// Write writes p, blocking as needed to stay under the global upload rate.
func (r *RLReadWriter) Write(p []byte) (int, error) {
	return throttledIO(p, upLimiter(), r.rw.Write)
}

func downLimiter() *rate.Limiter {
	mu.RLock()
	defer mu.RUnlock()
	return downLimit
}

func upLimiter() *rate.Limiter {
	mu.RLock()
	defer mu.RUnlock()
	return upLimit
}

func currentPacketSize() uint64 {
	mu.RLock()
	defer mu.RUnlock()
	return packetSize
}

// throttledIO performs op over p in packetSize-sized chunks, waiting on
// limiter between each chunk so that the effective throughput converges on
// the configured rate without ever blocking for longer than a single
// packet's worth of time.
func throttledIO(p []byte, limiter *rate.Limiter, op func([]byte) (int, error)) (int, error) {
	pkt := int(currentPacketSize())
	var written int
	for written < len(p) {
		end := written + pkt
		if end > len(p) {
			end = len(p)
		}
		// WaitN only errors if the chunk exceeds the limiter's burst size,
		// which cannot happen since chunks are capped at packetSize and the
		// limiter's burst is always set to packetSize.
		_ = limiter.WaitN(context.Background(), end-written)
		n, err := op(p[written:end])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
