package queue

import (
	"time"

	"github.com/hexfeed/hexfeedd/modules"
	siasync "github.com/hexfeed/hexfeedd/sync"
)

// Article is a single message-id on an upstream server, representing a
// fraction of one File. It is immutable except for Status and TempFile
// once a worker has downloaded it.
type Article struct {
	ID         uint64
	MessageID  string
	PartNumber int
	Size       uint64
	Status     modules.ArticleStatus
	TempFile   string
	ServerID   int
}

// File is the set of articles that together reconstruct one original
// file. A File's output mutex is created lazily on the 0→1 transition
// of ActiveDownloads and dropped on the 1→0 transition (invariant 7,
// §8); see outputMu in lock.go.
type File struct {
	ID      uint64
	Subject string

	Filename          string
	FilenameConfirmed bool

	TotalSize       uint64
	RemainingSize   uint64
	Completed       int
	ActiveDownloads int

	Paused   bool
	Deleted  bool
	IsPar    bool
	Priority int

	Articles []*Article

	ServerSuccess map[int]int
	ServerFailure map[int]int

	Collection *Collection

	outputMu *siasync.SafeLock
}

// complete reports whether every article has reached a terminal state.
func (f *File) complete() bool {
	return f.Completed == len(f.Articles)
}

// Collection (a.k.a. nzb-info) is one job submission: a set of Files
// plus the attributes that drive post-processing and dedup.
type Collection struct {
	ID uint64

	Name           string
	DestDir        string
	FinalDir       string
	Category       string
	QueuedFilename string

	TotalSize uint64
	FileCount int

	DupeKey   string
	DupeScore float64
	DupeMode  modules.DupeMode

	RenameStatus  modules.StageOutcome
	ParStatus     modules.StageOutcome
	UnpackStatus  modules.StageOutcome
	MoveStatus    modules.StageOutcome
	CleanupStatus modules.StageOutcome
	DeleteStatus  modules.StageOutcome
	MarkStatus    modules.StageOutcome

	refcount int

	messages  []Message
	nextMsgID uint64
	messageMu *siasync.SafeLock
}

// Message is one entry in a Collection's log ring buffer.
type Message struct {
	ID        uint64
	Text      string
	Severity  string
	Timestamp time.Time
}

// PostJob is a Collection that has cleared downloading and is being
// driven through the post-processing pipeline (C6).
type PostJob struct {
	ID         uint64
	Collection *Collection

	Stage         modules.PostJobStage
	StageProgress int // 0..1000
	FileProgress  int // 0..1000

	StageStartTime time.Time
	TotalStartTime time.Time

	Working         bool
	Deleted         bool
	RequestParCheck bool

	ProgressLabel string
}

// HistoryRecord is a terminal record of a collection, a failed URL
// fetch, or a dedup marker (SPEC_FULL.md §3).
type HistoryRecord struct {
	ID        uint64
	Kind      modules.HistoryKind
	NzbName   string
	DupeKey   string
	DupeScore float64
	Timestamp time.Time
}
