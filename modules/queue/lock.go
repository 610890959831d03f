package queue

import (
	"time"

	siasync "github.com/hexfeed/hexfeedd/sync"
)

// BeginDownload increments a file's ActiveDownloads counter and, on the
// 0→1 transition, creates its output mutex (invariant 7, §8). Caller
// must hold the queue lock.
func (q *Queue) BeginDownload(f *File) {
	if f.ActiveDownloads == 0 {
		f.outputMu = siasync.New(safeLockTimeout, 64)
	}
	f.ActiveDownloads++
}

// EndDownload decrements ActiveDownloads and, on the 1→0 transition,
// drops the output mutex so it never leaks across ticks (invariant 7,
// §8). Caller must hold the queue lock.
func (q *Queue) EndDownload(f *File) {
	f.ActiveDownloads--
	if f.ActiveDownloads == 0 {
		f.outputMu = nil
	}
}

// OutputMutex returns the file's lazily-created output mutex, or nil if
// ActiveDownloads is currently zero.
func (f *File) OutputMutex() *siasync.SafeLock {
	return f.outputMu
}

// LogMessage appends a message to a collection's ring buffer under its
// own message mutex, independent of the queue lock (SPEC_FULL.md §5:
// "Per-collection message ring buffers have their own mutex").
func (c *Collection) LogMessage(severity, text string) {
	id := c.messageMu.Lock()
	defer c.messageMu.Unlock(id)

	c.nextMsgID++
	const ringSize = 1000
	c.messages = append(c.messages, Message{ID: c.nextMsgID, Text: text, Severity: severity, Timestamp: time.Now()})
	if len(c.messages) > ringSize {
		c.messages = c.messages[len(c.messages)-ringSize:]
	}
}

// Messages returns a snapshot of a collection's message ring.
func (c *Collection) Messages() []Message {
	id := c.messageMu.Lock()
	defer c.messageMu.Unlock(id)

	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}
