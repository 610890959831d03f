package persist

import (
	"errors"
	"os"

	"github.com/NebulousLabs/bolt"
)

// metadataBucket stores the Metadata a BoltDatabase was opened with, so a
// later OpenDatabase call on the same file can detect a header or version
// mismatch before the caller touches any of its own buckets.
var metadataBucket = []byte("BoltDatabaseMetadata")

const (
	metadataHeaderKey  = "header"
	metadataVersionKey = "version"
)

// BoltDatabase wraps a *bolt.DB with the Metadata it was created with. Every
// read/write transaction is delegated straight to the underlying bolt.DB;
// the wrapper's only job is the metadata check performed once at open time.
type BoltDatabase struct {
	*bolt.DB
	Metadata Metadata
}

// OpenDatabase opens (creating if necessary) the bolt database at filename
// and verifies that its stored Metadata matches meta. The file permissions
// are forced to 0600; opening an existing file with looser permissions
// fails with an os.ErrPermission-compatible error, matching the historical
// behavior bolt itself exhibits for world/group readable database files.
func OpenDatabase(meta Metadata, filename string) (*BoltDatabase, error) {
	if fi, err := os.Stat(filename); err == nil {
		if fi.Mode().Perm()&0077 != 0 {
			return nil, &os.PathError{Op: "open", Path: filename, Err: os.ErrPermission}
		}
	}

	db, err := bolt.Open(filename, 0600, nil)
	if err != nil {
		return nil, err
	}
	bd := &BoltDatabase{DB: db, Metadata: meta}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(metadataBucket)
		if err != nil {
			return err
		}
		header := b.Get([]byte(metadataHeaderKey))
		version := b.Get([]byte(metadataVersionKey))
		if header == nil && version == nil {
			if err := b.Put([]byte(metadataHeaderKey), []byte(meta.Header)); err != nil {
				return err
			}
			return b.Put([]byte(metadataVersionKey), []byte(meta.Version))
		}
		if string(header) != meta.Header {
			return ErrBadHeader
		}
		if string(version) != meta.Version {
			return ErrBadVersion
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return bd, nil
}

// errDatabaseNotOpen names the error for operations on a closed
// BoltDatabase; no BoltDatabase method returns it.
var errDatabaseNotOpen = errors.New("database is not open")
