package modules

import "github.com/NebulousLabs/errors"

// Errors shared across component boundaries. Component-local errors
// (e.g. a specific RPC validation failure) live in their own packages;
// these are the ones more than one package needs to compare against.
var (
	ErrFileNotFound       = errors.New("file not found in queue")
	ErrCollectionNotFound = errors.New("collection not found in queue")
	ErrPostJobNotFound    = errors.New("post-job not found in queue")
	ErrQueueStopped       = errors.New("queue is shutting down")
)
