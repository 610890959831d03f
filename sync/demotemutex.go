package sync

import "github.com/NebulousLabs/demotemutex"

// DemoteMutex is a mutex whose write-lock holder can demote to a
// read-lock without fully releasing, letting queued readers through ahead
// of queued writers. The queue model (modules/queue) uses it as the lock
// guarding the download queue and exposes Queue.Demote and
// Queue.DemotedUnlock, so a writer done touching shared state can finish
// a read-only pass without holding RPC snapshot readers behind the next
// writer. No queue method demotes on its own.
type DemoteMutex = demotemutex.DemoteMutex
