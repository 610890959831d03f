package persist

import (
	"os"
	"path/filepath"
)

// tempSuffix is appended to the final filename while a SafeFile's contents
// are still being written. LoadJSON refuses to open a file with this
// suffix, since doing so almost always indicates the caller grabbed the
// wrong path.
const tempSuffix = "_temp"

// SafeFile wraps an *os.File that is written to a temporary name and only
// renamed to its final name on Commit. If the writer crashes or is
// interrupted partway through, the final file is left untouched.
type SafeFile struct {
	*os.File
	finalName string
	tempName  string
}

// NewSafeFile creates a SafeFile whose final destination is finalName. The
// file is immediately opened (truncating any previous temp file) so that
// the caller can start writing right away.
func NewSafeFile(finalName string) (*SafeFile, error) {
	absFinal := absolute(finalName)
	tempName := absFinal + tempSuffix
	f, err := os.OpenFile(tempName, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}
	return &SafeFile{
		File:      f,
		finalName: absFinal,
		tempName:  tempName,
	}, nil
}

// Commit flushes the temp file to disk and atomically renames it to its
// final name, regardless of the working directory at the time of the call.
func (sf *SafeFile) Commit() error {
	if err := sf.File.Sync(); err != nil {
		return err
	}
	if err := sf.File.Close(); err != nil {
		return err
	}
	if err := os.Rename(sf.tempName, sf.finalName); err != nil {
		return err
	}
	// Reopen so a caller that calls Close afterwards (common in a defer)
	// does not see an error from operating on an already-closed file.
	f, err := os.Open(sf.finalName)
	if err != nil {
		return err
	}
	sf.File = f
	return nil
}

// safeFileTempPath returns the path a SafeFile would use while staging
// writes to finalName. Exported indirectly through SaveJSON/LoadJSON so
// that a reload can recover from a crash between write and rename.
func safeFileTempPath(finalName string) string {
	return filepath.Clean(absolute(finalName)) + tempSuffix
}
