// Package queue implements the download queue's ownership graph
// (collections → files → articles), its reference-counted lifecycle,
// and the aspect-event publish/subscribe mechanism (SPEC_FULL.md §3,
// §4.2). All graph mutations happen under the queue's lock.
package queue

import (
	"time"

	"github.com/NebulousLabs/errors"
	"github.com/hexfeed/hexfeedd/modules"
	siasync "github.com/hexfeed/hexfeedd/sync"
)

// safeLockTimeout bounds how long a File output mutex or Collection
// message mutex may be held before it self-releases; it exists purely
// as a hang-safety backstop (siasync.SafeLock), not a normal code path.
const safeLockTimeout = 5 * time.Minute

// Queue is the root container: the ordered sequence of files currently
// downloading, the set of live collections, the ordered sequence of
// post-jobs, the history list, and the parked-files list held for
// dedup resolution (SPEC_FULL.md §3).
type Queue struct {
	lock siasync.DemoteMutex

	files       []*File
	collections map[uint64]*Collection
	postJobs    []*PostJob
	history     []*HistoryRecord
	parked      []*Collection

	fileIDs    idGen
	collIDs    idGen
	articleIDs idGen
	postJobIDs idGen
	historyIDs idGen

	subscribers []modules.AspectSubscriber
	now         func() time.Time
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{
		collections: make(map[uint64]*Collection),
		now:         time.Now,
	}
}

// Lock acquires the queue's write lock. All graph mutations must hold
// it (SPEC_FULL.md §4.2).
func (q *Queue) Lock() { q.lock.Lock() }

// Unlock releases the write lock.
func (q *Queue) Unlock() { q.lock.Unlock() }

// Demote downgrades a held write lock to a read lock, letting queued
// RLock callers (e.g. an RPC snapshot handler) through without waiting
// for the next writer (SPEC_FULL.md §4.2).
func (q *Queue) Demote() { q.lock.Demote() }

// DemotedUnlock releases a lock previously demoted with Demote.
func (q *Queue) DemotedUnlock() { q.lock.DemotedUnlock() }

// RLock/RUnlock acquire and release the queue for read-only access,
// e.g. building an RPC list response.
func (q *Queue) RLock()   { q.lock.RLock() }
func (q *Queue) RUnlock() { q.lock.RUnlock() }

// Subscribe registers s to receive aspect events. Must be called before
// the queue starts taking traffic; not safe for concurrent use with
// Emit.
func (q *Queue) Subscribe(s modules.AspectSubscriber) {
	q.subscribers = append(q.subscribers, s)
}

// emit publishes an aspect event to every subscriber synchronously,
// while the queue lock is held (SPEC_FULL.md §5: "Aspect events are
// emitted synchronously while holding the queue lock; subscribers must
// not attempt to re-acquire it").
func (q *Queue) emit(a modules.Aspect) {
	a.OccurredAt = q.now()
	for _, s := range q.subscribers {
		s.ProcessAspect(a)
	}
}

// AddCollection inserts a new collection with the given files into the
// queue, assigns ids, and emits NzbAdded. Caller must hold the lock.
func (q *Queue) AddCollection(c *Collection, files []*File) {
	c.ID = q.collIDs.Next()
	c.messageMu = siasync.New(safeLockTimeout, 64)
	c.refcount = len(files)
	q.collections[c.ID] = c

	for _, f := range files {
		f.ID = q.fileIDs.Next()
		f.Collection = c
		for _, a := range f.Articles {
			a.ID = q.articleIDs.Next()
		}
		q.recomputeFileCounters(f)
		q.files = append(q.files, f)
	}

	q.emit(modules.Aspect{Kind: modules.AspectNzbAdded, NzbID: c.ID, NzbName: c.Name})
}

// RestoreCollection re-inserts a collection and its files exactly as
// persisted, preserving their ids instead of assigning new ones, and
// bumps every id generator past whatever it observes so ids are never
// reused across a restart (invariant 4, §8). Used by the persistence
// hook (C10) on startup load; does not emit NzbAdded, since this isn't
// new work arriving, just state recovered from before. Caller must
// hold the lock.
func (q *Queue) RestoreCollection(c *Collection, files []*File) {
	q.collIDs.observe(c.ID)
	c.messageMu = siasync.New(safeLockTimeout, 64)
	c.refcount = len(files)
	q.collections[c.ID] = c

	for _, f := range files {
		q.fileIDs.observe(f.ID)
		f.Collection = c
		for _, a := range f.Articles {
			q.articleIDs.observe(a.ID)
		}
		q.recomputeFileCounters(f)
		q.files = append(q.files, f)
	}
}

// recomputeFileCounters restores invariants 3 from §8:
// remaining_size = sum of sizes of Pending/Running articles,
// completed = count of Finished/Failed articles.
func (q *Queue) recomputeFileCounters(f *File) {
	var remaining uint64
	var completed int
	for _, a := range f.Articles {
		switch a.Status {
		case modules.ArticlePending, modules.ArticleRunning:
			remaining += a.Size
		case modules.ArticleFinished, modules.ArticleFailed:
			completed++
		}
	}
	f.RemainingSize = remaining
	f.Completed = completed
}

// PickNextArticle scans the file queue in order and returns the first
// Pending article of the first eligible file (SPEC_FULL.md §4.5). A
// file is eligible if it is not paused, not deleted, and has a
// non-empty article list. loadArticles, when non-nil, is called whenever
// a file's article list is empty, letting the caller lazily hydrate it
// from the persistence hook (SPEC_FULL.md §4.10) before scanning
// continues; with a nil loadArticles such files are skipped.
func (q *Queue) PickNextArticle(loadArticles func(*File) error) (*Article, *File, error) {
	for _, f := range q.files {
		if f.Paused || f.Deleted {
			continue
		}
		if len(f.Articles) == 0 {
			if loadArticles == nil {
				continue
			}
			if err := loadArticles(f); err != nil {
				return nil, nil, errors.AddContext(err, "loading articles for file "+f.Filename)
			}
		}
		for _, a := range f.Articles {
			if a.Status == modules.ArticlePending {
				return a, f, nil
			}
		}
	}
	return nil, nil, nil
}

// CompleteArticle applies a worker's report of an article's terminal
// status under the queue lock, maintaining invariants 1-3 (§8) and
// returning whether the owning file just completed or was deleted as a
// result (SPEC_FULL.md §4.5's completion handling).
func (q *Queue) CompleteArticle(f *File, a *Article, status modules.ArticleStatus, confirmedFilename string) (fileDone, fileDeleted bool) {
	a.Status = status
	q.recomputeFileCounters(f)

	if confirmedFilename != "" && !f.FilenameConfirmed {
		f.Filename = confirmedFilename
		f.FilenameConfirmed = true
		if dup := q.findDuplicateFilename(f); dup != nil {
			q.markFileDeleted(dup)
		}
	}

	if f.Deleted {
		// The caller's own download is still counted here (the
		// coordinator calls EndDownload afterwards), so one active
		// download means this is the file's last worker.
		if f.ActiveDownloads <= 1 {
			q.removeFile(f)
			q.emit(modules.Aspect{Kind: modules.AspectFileDeleted, FileID: f.ID, FileName: f.Filename, NzbID: f.Collection.ID})
			return false, true
		}
		return false, false
	}

	if !f.complete() {
		return false, false
	}

	q.removeFile(f)
	q.releaseCollectionRef(f.Collection)
	q.emit(modules.Aspect{Kind: modules.AspectFileCompleted, FileID: f.ID, FileName: f.Filename, NzbID: f.Collection.ID})
	return true, false
}

// findDuplicateFilename implements SPEC_FULL.md §4.5's duplicate
// detection: another file in the same collection already confirmed the
// same filename. The smaller (by total size) of the two is marked for
// deletion (scenario S4, §8).
func (q *Queue) findDuplicateFilename(f *File) *File {
	for _, other := range q.files {
		if other == f || other.Collection != f.Collection {
			continue
		}
		if other.FilenameConfirmed && other.Filename == f.Filename {
			if other.TotalSize < f.TotalSize {
				return other
			}
			return f
		}
	}
	return nil
}

// markFileDeleted sets a file's deleted bit under the queue lock. If no
// worker is active on it, it is removed immediately; otherwise removal
// is deferred to CompleteArticle's last-worker-out check (SPEC_FULL.md
// §4.8, §8's "idempotent delete" property).
func (q *Queue) markFileDeleted(f *File) {
	if f.Deleted {
		return
	}
	f.Deleted = true
	if f.ActiveDownloads == 0 {
		q.removeFile(f)
		q.emit(modules.Aspect{Kind: modules.AspectFileDeleted, FileID: f.ID, FileName: f.Filename, NzbID: f.Collection.ID})
	}
}

// removeFile drops f from the ordered file queue. The caller still
// holds whatever reference accounting (collection refcount) is
// appropriate for the removal reason.
func (q *Queue) removeFile(f *File) {
	for i, cand := range q.files {
		if cand == f {
			q.files = append(q.files[:i], q.files[i+1:]...)
			return
		}
	}
}

// releaseCollectionRef decrements a collection's refcount (invariant 2,
// §8). It does nothing else: the coordinator decides when to construct
// a post-job (SPEC_FULL.md §4.5 "Collection completion"), and
// maybeDropCollection removes a collection whose refcount reached zero.
func (q *Queue) releaseCollectionRef(c *Collection) {
	c.refcount--
}

// CollectionFilesRemaining reports how many files of c are still in the
// active file queue, used by the coordinator to decide when a
// collection is ready to hand off to the post-processing driver.
func (q *Queue) CollectionFilesRemaining(c *Collection) int {
	n := 0
	for _, f := range q.files {
		if f.Collection == c {
			n++
		}
	}
	return n
}

// NewPostJob constructs a post-job for c and appends it to the queue,
// bumping c's refcount to account for the new reference.
func (q *Queue) NewPostJob(c *Collection) *PostJob {
	pj := &PostJob{
		ID:             q.postJobIDs.Next(),
		Collection:     c,
		Stage:          modules.StageQueued,
		TotalStartTime: q.now(),
	}
	c.refcount++
	q.postJobs = append(q.postJobs, pj)
	return pj
}

// FinishPostJob releases a post-job's reference to its collection and
// removes it from the queue, emitting NzbCompleted. Called once the
// post-processing driver (C6) reaches PostJobStage Finished.
func (q *Queue) FinishPostJob(pj *PostJob) {
	for i, cand := range q.postJobs {
		if cand == pj {
			q.postJobs = append(q.postJobs[:i], q.postJobs[i+1:]...)
			break
		}
	}
	q.releaseCollectionRef(pj.Collection)
	q.history = append(q.history, &HistoryRecord{
		ID:        q.historyIDs.Next(),
		Kind:      modules.HistoryCollection,
		NzbName:   pj.Collection.Name,
		DupeKey:   pj.Collection.DupeKey,
		DupeScore: pj.Collection.DupeScore,
		Timestamp: q.now(),
	})
	q.emit(modules.Aspect{Kind: modules.AspectNzbCompleted, NzbID: pj.Collection.ID, NzbName: pj.Collection.Name})
	q.maybeDropCollection(pj.Collection)
}

// maybeDropCollection removes c from the collection map once its
// refcount reaches zero (invariant 2, §8).
func (q *Queue) maybeDropCollection(c *Collection) {
	if c.refcount <= 0 {
		delete(q.collections, c.ID)
	}
}

// RestorePostJob re-inserts a post-job exactly as persisted, preserving
// its id and bumping the post-job id generator past it (invariant 4,
// §8). Used by the persistence hook on startup load. Caller must hold
// the lock.
func (q *Queue) RestorePostJob(pj *PostJob) {
	q.postJobIDs.observe(pj.ID)
	if pj.Collection != nil {
		pj.Collection.refcount++
	}
	q.postJobs = append(q.postJobs, pj)
}

// RestoreHistoryRecord re-inserts a history record exactly as
// persisted, preserving its id and bumping the history id generator
// past it. Used by the persistence hook on startup load. Caller must
// hold the lock.
func (q *Queue) RestoreHistoryRecord(r *HistoryRecord) {
	q.historyIDs.observe(r.ID)
	q.history = append(q.history, r)
}

// Files returns the live, ordered file queue. Callers must hold at
// least a read lock.
func (q *Queue) Files() []*File { return q.files }

// PostJobs returns the live, ordered post-job list.
func (q *Queue) PostJobs() []*PostJob { return q.postJobs }

// History returns the history list, oldest first.
func (q *Queue) History() []*HistoryRecord { return q.history }

// Collection looks up a live collection by id.
func (q *Queue) Collection(id uint64) (*Collection, bool) {
	c, ok := q.collections[id]
	return c, ok
}
