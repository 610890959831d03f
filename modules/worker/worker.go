// Package worker implements C4: one worker per active download, each
// owning one connection and one article (SPEC_FULL.md §4.4).
package worker

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/NebulousLabs/errors"
	"github.com/hexfeed/hexfeedd/modules"
	"github.com/hexfeed/hexfeedd/modules/queue"
)

// FailureKind classifies why an article download failed, driving the
// retry-vs-give-up decision in SPEC_FULL.md §7's error taxonomy.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureNetwork
	FailureAuth
	FailureNotFound
	FailureDecoder
)

// Fetcher retrieves and decodes one article's body, writing the decoded
// bytes to w and returning the filename parsed from the article header
// if this is the first article of its file. Fetching the raw article
// over NNTP and decoding yEnc/UU are both out of scope (SPEC_FULL.md
// §1); Fetcher is the named external collaborator.
type Fetcher interface {
	Fetch(conn io.ReadWriter, messageID string, w io.Writer) (confirmedFilename string, err error)
}

// Result is what a worker reports back to the coordinator once it
// finishes, successfully or not.
type Result struct {
	Article           *queue.Article
	File              *queue.File
	Status            modules.ArticleStatus
	ConfirmedFilename string
	Failure           FailureKind
	Err               error // set on ArticleFailed; nil otherwise
}

// Config bounds a worker's retry policy.
type Config struct {
	MaxRetries    int
	RetryInterval time.Duration
}

// Worker downloads one article over one connection and reports the
// outcome on Done. A stop requested with RequestStop is noticed before
// each attempt and while waiting between retries; a Fetch already in
// progress is not interrupted.
type Worker struct {
	article *queue.Article
	file    *queue.File
	conn    io.ReadWriter
	fetcher Fetcher
	cfg     Config
	tempDir string

	lastActivity int64 // unix nanos, atomic
	stop         chan struct{}
	done         chan Result
}

// New constructs a Worker bound to article/file/conn. It does not start
// running until Run is called.
func New(article *queue.Article, file *queue.File, conn io.ReadWriter, fetcher Fetcher, cfg Config, tempDir string) *Worker {
	w := &Worker{
		article: article,
		file:    file,
		conn:    conn,
		fetcher: fetcher,
		cfg:     cfg,
		tempDir: tempDir,
		stop:    make(chan struct{}),
		done:    make(chan Result, 1),
	}
	w.touch()
	return w
}

// Done returns the channel the coordinator reads the worker's terminal
// Result from.
func (w *Worker) Done() <-chan Result { return w.done }

// RequestStop asks the worker to stop before its next attempt or during
// its retry wait; a Fetch already in progress runs to completion.
func (w *Worker) RequestStop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

// LastActivity returns when the worker last made progress, used by the
// coordinator's hang detector (SPEC_FULL.md §4.5).
func (w *Worker) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&w.lastActivity))
}

func (w *Worker) touch() {
	atomic.StoreInt64(&w.lastActivity, time.Now().UnixNano())
}

// TempFilePath returns the per-article temp file path, {tempdir}/
// {file_id}.{part:03d} (SPEC_FULL.md §4.5's article temp file layout).
func (w *Worker) TempFilePath() string {
	return fmt.Sprintf("%s/%d.%03d", w.tempDir, w.file.ID, w.article.PartNumber)
}

// Run executes the download, retrying transient failures up to
// cfg.MaxRetries with cfg.RetryInterval backoff, and sends exactly one
// Result on Done before returning.
func (w *Worker) Run(open func(path string) (io.WriteCloser, error)) {
	var lastErr error
	var lastKind FailureKind

	attempts := w.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		select {
		case <-w.stop:
			w.done <- Result{Article: w.article, File: w.file, Status: modules.ArticlePending}
			return
		default:
		}

		w.touch()
		f, err := open(w.TempFilePath())
		if err != nil {
			w.done <- Result{Article: w.article, File: w.file, Status: modules.ArticleFailed, Failure: FailureDecoder, Err: errors.AddContext(err, "opening article temp file")}
			return
		}

		confirmed, ferr := w.fetcher.Fetch(w.conn, w.article.MessageID, f)
		f.Close()
		w.touch()

		if ferr == nil {
			w.done <- Result{Article: w.article, File: w.file, Status: modules.ArticleFinished, ConfirmedFilename: confirmed}
			return
		}

		lastErr = ferr
		lastKind = classify(ferr)
		if lastKind == FailureAuth || lastKind == FailureNotFound || lastKind == FailureDecoder {
			break
		}
		if attempt < attempts-1 {
			select {
			case <-time.After(w.cfg.RetryInterval):
			case <-w.stop:
				w.done <- Result{Article: w.article, File: w.file, Status: modules.ArticlePending}
				return
			}
		}
	}

	w.done <- Result{
		Article: w.article,
		File:    w.file,
		Status:  modules.ArticleFailed,
		Failure: lastKind,
		Err:     errors.AddContext(lastErr, "article download failed"),
	}
}

// classify maps a Fetcher error onto the taxonomy SPEC_FULL.md §7
// assigns to article workers. Fetcher implementations are expected to
// use errors.Is-compatible sentinels; unrecognized errors default to a
// transient network failure so they get retried rather than given up
// on immediately.
func classify(err error) FailureKind {
	switch {
	case errors.Contains(err, ErrNotFound):
		return FailureNotFound
	case errors.Contains(err, ErrAuth):
		return FailureAuth
	case errors.Contains(err, ErrDecode):
		return FailureDecoder
	default:
		return FailureNetwork
	}
}

// Sentinel errors Fetcher implementations should wrap their failures
// around so classify can route them correctly.
var (
	ErrNotFound = errors.New("article not found upstream")
	ErrAuth     = errors.New("server rejected credentials")
	ErrDecode   = errors.New("article payload failed to decode")
)
