package queue

// Editor applies SPEC_FULL.md §4.8's queue mutations. All operations
// run under the queue lock and are idempotent on a no-op repeat
// (§8: "Applying Pause twice is the same as applying it once").
type Editor struct {
	q *Queue
}

// NewEditor returns an Editor for q.
func NewEditor(q *Queue) *Editor { return &Editor{q: q} }

// selected returns the files named by ids, in queue order when smart is
// true (keeps relative positions stable across a batch edit) or in the
// order ids were supplied otherwise.
func (e *Editor) selected(ids []uint64, smart bool) []*File {
	want := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	if smart {
		var out []*File
		for _, f := range e.q.files {
			if want[f.ID] {
				out = append(out, f)
			}
		}
		return out
	}
	byID := make(map[uint64]*File, len(e.q.files))
	for _, f := range e.q.files {
		byID[f.ID] = f
	}
	var out []*File
	for _, id := range ids {
		if f, ok := byID[id]; ok {
			out = append(out, f)
		}
	}
	return out
}

// MoveOffset shifts each selected file by n positions, stable within
// the selection. A file whose target position lies beyond either end of
// the queue is placed at that end, so MoveOffset(+n) followed by
// MoveOffset(-n) restores the original order only when no selected file
// was clamped this way.
func (e *Editor) MoveOffset(ids []uint64, n int, smart bool) {
	sel := e.selected(ids, smart)
	if len(sel) == 0 || n == 0 {
		return
	}
	if n < 0 {
		for _, f := range sel {
			e.moveOne(f, n)
		}
	} else {
		for i := len(sel) - 1; i >= 0; i-- {
			e.moveOne(sel[i], n)
		}
	}
}

func (e *Editor) moveOne(f *File, n int) {
	idx := e.indexOf(f)
	if idx < 0 {
		return
	}
	dest := idx + n
	if dest < 0 {
		dest = 0
	}
	if dest > len(e.q.files)-1 {
		dest = len(e.q.files) - 1
	}
	e.q.files = append(e.q.files[:idx], e.q.files[idx+1:]...)
	e.q.files = append(e.q.files[:dest], append([]*File{f}, e.q.files[dest:]...)...)
}

func (e *Editor) indexOf(f *File) int {
	for i, cand := range e.q.files {
		if cand == f {
			return i
		}
	}
	return -1
}

// MoveTop places the selection at the front of the queue, preserving
// relative order within the selection.
func (e *Editor) MoveTop(ids []uint64, smart bool) {
	sel := e.selected(ids, smart)
	e.extract(sel)
	e.q.files = append(sel, e.q.files...)
}

// MoveBottom places the selection at the end of the queue, preserving
// relative order within the selection.
func (e *Editor) MoveBottom(ids []uint64, smart bool) {
	sel := e.selected(ids, smart)
	e.extract(sel)
	e.q.files = append(e.q.files, sel...)
}

func (e *Editor) extract(sel []*File) {
	remove := make(map[*File]bool, len(sel))
	for _, f := range sel {
		remove[f] = true
	}
	rest := e.q.files[:0:0]
	for _, f := range e.q.files {
		if !remove[f] {
			rest = append(rest, f)
		}
	}
	e.q.files = rest
}

// Pause flips the paused bit on to true for the selected files.
func (e *Editor) Pause(ids []uint64) {
	for _, f := range e.selected(ids, false) {
		f.Paused = true
	}
}

// Resume flips the paused bit off for the selected files.
func (e *Editor) Resume(ids []uint64) {
	for _, f := range e.selected(ids, false) {
		f.Paused = false
	}
}

// Delete marks the selected files deleted. A file with no active
// worker is unlinked immediately; a busy file's removal is deferred
// until its last worker exits (CompleteArticle).
func (e *Editor) Delete(ids []uint64) {
	for _, f := range e.selected(ids, false) {
		e.q.markFileDeleted(f)
	}
}

// SetPriority assigns a priority to the selected files without
// reordering the queue.
func (e *Editor) SetPriority(ids []uint64, priority int) {
	for _, f := range e.selected(ids, false) {
		f.Priority = priority
	}
}

// PostJobAction is a verb applicable to the post-job list: pause,
// resume or delete. Reordering the post-job list is not supported.
type PostJobAction int

const (
	PostJobPause PostJobAction = iota
	PostJobResume
	PostJobDelete
)

// ApplyPostJobs applies action to the post-jobs named by ids.
func (e *Editor) ApplyPostJobs(ids []uint64, action PostJobAction) {
	want := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, pj := range e.q.postJobs {
		if !want[pj.ID] {
			continue
		}
		switch action {
		case PostJobPause:
			pj.Working = false
		case PostJobResume:
			pj.Working = true
		case PostJobDelete:
			pj.Deleted = true
		}
	}
}

// SetCategory sets a collection's category.
func (e *Editor) SetCategory(c *Collection, category string) { c.Category = category }

// SetName sets a collection's display name.
func (e *Editor) SetName(c *Collection, name string) { c.Name = name }

// SetDupeKey sets a collection's dupe-key, used to detect resubmission
// of the same release under a different source filename.
func (e *Editor) SetDupeKey(c *Collection, key string) { c.DupeKey = key }
