// Package sync collects the concurrency primitives that the rest of the
// daemon is built on: a blocking/draining lifecycle group for goroutines
// that need a clean shutdown, non-blocking mutex variants for hot paths
// that must never stall the coordinator loop, and a counting limiter for
// capacity that is cheap to acquire and release many times a second.
package sync

import "github.com/NebulousLabs/threadgroup"

// ThreadGroup tracks a set of goroutines and provides a mechanism to signal
// that they should stop, then block until they have. The coordinator loop,
// the RPC accept loop and its connection handlers, and each post-job run
// register with a ThreadGroup so that Stop() has something to wait on.
// Article workers do not register; the coordinator tracks them in its
// active set instead.
//
// This is a thin alias over the upstream NebulousLabs/threadgroup package
// rather than a local reimplementation: call sites elsewhere in the daemon
// import this package (following the same convention the rest of the
// sync primitives in this package use) instead of reaching into a third
// vendor path directly.
type ThreadGroup = threadgroup.ThreadGroup

// ErrStopped is returned by ThreadGroup.Add once the group has begun
// shutting down.
var ErrStopped = threadgroup.ErrStopped
