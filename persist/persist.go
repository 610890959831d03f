// Package persist implements small, well-tested primitives for committing
// data to disk and reloading it later: atomically-written files, checksummed
// JSON documents, a rolling log, and a thin wrapper around a bolt key/value
// store. Every other package that needs to survive a restart builds on top
// of these primitives instead of rolling its own.
package persist

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/NebulousLabs/fastrand"
)

// persistDir is the subdirectory (under the package's testing root) that
// persist's own tests use for scratch files.
const persistDir = "persist"

// Metadata identifies the contents of a persisted file so that a reader
// never tries to interpret data written by a different struct or an
// incompatible version of it.
type Metadata struct {
	Header  string
	Version string
}

var (
	// ErrBadHeader is returned when a loaded file's header does not match
	// the header passed to the load call.
	ErrBadHeader = errors.New("wrong header")

	// ErrBadVersion is returned when a loaded file's version does not
	// match the version passed to the load call.
	ErrBadVersion = errors.New("wrong version")

	// ErrBadFilenameSuffix is returned when LoadJSON is (mis)pointed
	// directly at a safe-file temp file.
	ErrBadFilenameSuffix = errors.New("cannot load a file with the temp-file suffix")
)

// RandomSuffix returns a hex-encoded random string, useful for producing
// names that can't collide with an existing file or bucket.
func RandomSuffix() string {
	return hexEncode(fastrand.Bytes(10))
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0f]
	}
	return string(out)
}

// isOSNotExist is a thin wrapper kept separate so that callers don't need to
// import "os" solely to check this one condition.
func isOSNotExist(err error) bool {
	return os.IsNotExist(err)
}

// absolute returns the absolute path of the provided path, falling back to
// the path itself if the working directory can't be determined.
func absolute(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
