// Package persistencehook implements C10: the default persistence-hook
// collaborator the coordinator uses to save and reload queue state
// across restarts (SPEC_FULL.md §4.10). It is backed by
// persist.BoltDatabase rather than a bespoke binary snapshot format —
// the snapshot's on-disk byte layout is explicitly out of scope per
// spec.md §1, so this hook is free to choose its own persistent
// representation as long as the interface's round-trip semantics hold
// (§8).
package persistencehook

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/NebulousLabs/bolt"
	"github.com/NebulousLabs/errors"
	"github.com/hexfeed/hexfeedd/modules/queue"
	"github.com/hexfeed/hexfeedd/persist"
)

var dbMetadata = persist.Metadata{Header: "hexfeedd.queue", Version: "1.0"}

var (
	collectionsBucket = []byte("collections")
	filesBucket       = []byte("files")
	postJobsBucket    = []byte("postjobs")
	historyBucket     = []byte("history")
)

// Hook is the persistence collaborator named in SPEC_FULL.md §4.10:
// exists/load/save/discard/discardFile/loadArticles/cleanupTempDir.
type Hook interface {
	Exists() bool
	Load(q *queue.Queue) error
	Save(q *queue.Queue) error
	Discard() error
	DiscardFile(q *queue.Queue, f *queue.File) error
	LoadArticles(f *queue.File) error
	CleanupTempDir(q *queue.Queue) error
}

// BoltHook is the default Hook implementation.
type BoltHook struct {
	db      *persist.BoltDatabase
	path    string
	tempDir string
}

// New opens (creating if necessary) the bolt file at path.
func New(path, tempDir string) (*BoltHook, error) {
	db, err := persist.OpenDatabase(dbMetadata, path)
	if err != nil {
		return nil, errors.AddContext(err, "opening queue snapshot database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{collectionsBucket, filesBucket, postJobsBucket, historyBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltHook{db: db, path: path, tempDir: tempDir}, nil
}

// Close releases the underlying bolt file.
func (h *BoltHook) Close() error {
	return h.db.Close()
}

// Exists reports whether a snapshot has ever been saved.
func (h *BoltHook) Exists() bool {
	var any bool
	h.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(collectionsBucket).Cursor()
		k, _ := c.First()
		any = k != nil
		return nil
	})
	return any
}

// storedCollection is the on-disk representation of a queue.Collection.
// Its file list is stored separately so files can be updated (e.g.
// article status) without rewriting the whole collection record.
type storedCollection struct {
	Collection *queue.Collection
	FileIDs    []uint64
}

// storedFile wraps a queue.File for storage. Unexported fields such as
// the output mutex are not encoded; File.Collection is encoded as a
// copy, which RestoreCollection replaces with the live collection on
// Load.
type storedFile struct {
	File *queue.File
}

// Save snapshots every collection, file, post-job, and history record
// currently in q. Caller must not hold the queue lock; Save takes its
// own read lock.
func (h *BoltHook) Save(q *queue.Queue) error {
	q.RLock()
	defer q.RUnlock()

	return h.db.Update(func(tx *bolt.Tx) error {
		collBucket := tx.Bucket(collectionsBucket)
		fileBucket := tx.Bucket(filesBucket)
		pjBucket := tx.Bucket(postJobsBucket)
		histBucket := tx.Bucket(historyBucket)

		filesByCollection := make(map[uint64][]uint64)
		for _, f := range q.Files() {
			data, err := json.Marshal(storedFile{File: f})
			if err != nil {
				return err
			}
			if err := fileBucket.Put(idKey(f.ID), data); err != nil {
				return err
			}
			if f.Collection != nil {
				filesByCollection[f.Collection.ID] = append(filesByCollection[f.Collection.ID], f.ID)
			}
		}

		seen := make(map[uint64]bool)
		for _, f := range q.Files() {
			if f.Collection == nil || seen[f.Collection.ID] {
				continue
			}
			seen[f.Collection.ID] = true
			data, err := json.Marshal(storedCollection{Collection: f.Collection, FileIDs: filesByCollection[f.Collection.ID]})
			if err != nil {
				return err
			}
			if err := collBucket.Put(idKey(f.Collection.ID), data); err != nil {
				return err
			}
		}

		for _, pj := range q.PostJobs() {
			data, err := json.Marshal(pj)
			if err != nil {
				return err
			}
			if err := pjBucket.Put(idKey(pj.ID), data); err != nil {
				return err
			}
		}

		for _, r := range q.History() {
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := histBucket.Put(idKey(r.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load restores every persisted collection, file (articles are loaded
// lazily — see LoadArticles), post-job, and history record into q.
// Caller must not hold the queue lock.
func (h *BoltHook) Load(q *queue.Queue) error {
	type loadedColl struct {
		c       *queue.Collection
		fileIDs []uint64
	}
	var colls []loadedColl
	filesByID := make(map[uint64]*queue.File)
	var postJobs []*queue.PostJob
	var history []*queue.HistoryRecord

	err := h.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(collectionsBucket).ForEach(func(k, v []byte) error {
			var sc storedCollection
			if err := json.Unmarshal(v, &sc); err != nil {
				return err
			}
			colls = append(colls, loadedColl{c: sc.Collection, fileIDs: sc.FileIDs})
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(filesBucket).ForEach(func(k, v []byte) error {
			var sf storedFile
			if err := json.Unmarshal(v, &sf); err != nil {
				return err
			}
			sf.File.Articles = nil // loaded lazily, see LoadArticles
			filesByID[sf.File.ID] = sf.File
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(postJobsBucket).ForEach(func(k, v []byte) error {
			var pj queue.PostJob
			if err := json.Unmarshal(v, &pj); err != nil {
				return err
			}
			postJobs = append(postJobs, &pj)
			return nil
		}); err != nil {
			return err
		}

		return tx.Bucket(historyBucket).ForEach(func(k, v []byte) error {
			var r queue.HistoryRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			history = append(history, &r)
			return nil
		})
	})
	if err != nil {
		return errors.AddContext(err, "loading queue snapshot")
	}

	q.Lock()
	defer q.Unlock()

	for _, lc := range colls {
		var files []*queue.File
		for _, id := range lc.fileIDs {
			if f, ok := filesByID[id]; ok {
				files = append(files, f)
			}
		}
		q.RestoreCollection(lc.c, files)
	}
	for _, pj := range postJobs {
		if c, ok := q.Collection(pj.Collection.ID); ok {
			pj.Collection = c
		}
		q.RestorePostJob(pj)
	}
	for _, r := range history {
		q.RestoreHistoryRecord(r)
	}
	return nil
}

// Discard deletes the snapshot database entirely, used when
// reload-queue is disabled (SPEC_FULL.md §6's configuration surface).
func (h *BoltHook) Discard() error {
	if err := h.db.Close(); err != nil {
		return err
	}
	return os.Remove(h.path)
}

// DiscardFile removes one file's persisted record, called once a file
// is permanently deleted from the queue.
func (h *BoltHook) DiscardFile(q *queue.Queue, f *queue.File) error {
	return h.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).Delete(idKey(f.ID))
	})
}

// LoadArticles hydrates f.Articles from the persisted record. The
// queue model calls this lazily, the first time a file with an empty
// article list is touched (SPEC_FULL.md §4.10).
func (h *BoltHook) LoadArticles(f *queue.File) error {
	return h.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(filesBucket).Get(idKey(f.ID))
		if data == nil {
			return errors.New("no persisted record for file " + strconv.FormatUint(f.ID, 10))
		}
		var sf storedFile
		if err := json.Unmarshal(data, &sf); err != nil {
			return err
		}
		f.Articles = sf.File.Articles
		return nil
	})
}

var tempFileName = regexp.MustCompile(`^(\d+)\.\d+$`)

// CleanupTempDir walks tempDir and deletes stray per-article temp files
// whose file id has no corresponding loaded file, leaving the rest for
// the coordinator to pick up against reloaded article state
// (SPEC_FULL.md §4.10).
func (h *BoltHook) CleanupTempDir(q *queue.Queue) error {
	q.RLock()
	known := make(map[uint64]bool, len(q.Files()))
	for _, f := range q.Files() {
		known[f.ID] = true
	}
	q.RUnlock()

	entries, err := os.ReadDir(h.tempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if sub := tempFileName.FindStringSubmatch(name); sub != nil {
			id, err := strconv.ParseUint(sub[1], 10, 64)
			if err == nil && known[id] {
				continue
			}
		}
		os.Remove(filepath.Join(h.tempDir, name))
	}
	return nil
}

func idKey(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}
