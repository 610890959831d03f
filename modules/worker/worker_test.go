package worker

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/hexfeed/hexfeedd/modules"
	"github.com/hexfeed/hexfeedd/modules/queue"
)

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func openBuf(buf *bytes.Buffer) func(string) (io.WriteCloser, error) {
	return func(string) (io.WriteCloser, error) {
		return nopCloser{buf}, nil
	}
}

type succeedingFetcher struct{ filename string }

func (f succeedingFetcher) Fetch(conn io.ReadWriter, messageID string, w io.Writer) (string, error) {
	w.Write([]byte("payload"))
	return f.filename, nil
}

type failingFetcher struct {
	failures int
	err      error
}

func (f *failingFetcher) Fetch(conn io.ReadWriter, messageID string, w io.Writer) (string, error) {
	if f.failures > 0 {
		f.failures--
		return "", f.err
	}
	return "", nil
}

func TestRunSucceedsAndReportsFilename(t *testing.T) {
	a := &queue.Article{MessageID: "<1@test>"}
	file := &queue.File{ID: 1}
	var buf bytes.Buffer
	w := New(a, file, nil, succeedingFetcher{filename: "movie.mkv"}, Config{MaxRetries: 2, RetryInterval: time.Millisecond}, "/tmp")

	go w.Run(openBuf(&buf))
	res := <-w.Done()

	if res.Status != modules.ArticleFinished {
		t.Fatalf("expected Finished, got %v", res.Status)
	}
	if res.ConfirmedFilename != "movie.mkv" {
		t.Fatalf("expected confirmed filename, got %q", res.ConfirmedFilename)
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	a := &queue.Article{MessageID: "<1@test>"}
	file := &queue.File{ID: 1}
	var buf bytes.Buffer
	fetcher := &failingFetcher{failures: 2, err: errTransient}
	w := New(a, file, nil, fetcher, Config{MaxRetries: 3, RetryInterval: time.Millisecond}, "/tmp")

	go w.Run(openBuf(&buf))
	res := <-w.Done()

	if res.Status != modules.ArticleFinished {
		t.Fatalf("expected eventual success after retries, got %v", res.Status)
	}
}

func TestRunGivesUpOnNotFoundWithoutRetrying(t *testing.T) {
	a := &queue.Article{MessageID: "<1@test>"}
	file := &queue.File{ID: 1}
	var buf bytes.Buffer
	fetcher := &failingFetcher{failures: 10, err: ErrNotFound}
	w := New(a, file, nil, fetcher, Config{MaxRetries: 5, RetryInterval: time.Millisecond}, "/tmp")

	go w.Run(openBuf(&buf))
	res := <-w.Done()

	if res.Status != modules.ArticleFailed {
		t.Fatalf("expected Failed, got %v", res.Status)
	}
	if res.Failure != FailureNotFound {
		t.Fatalf("expected FailureNotFound, got %v", res.Failure)
	}
	if fetcher.failures != 9 {
		t.Fatalf("expected exactly one fetch attempt before giving up, got %d remaining failures", fetcher.failures)
	}
}

func TestRequestStopReturnsArticleToPending(t *testing.T) {
	a := &queue.Article{MessageID: "<1@test>"}
	file := &queue.File{ID: 1}
	var buf bytes.Buffer
	fetcher := &failingFetcher{failures: 1000, err: errTransient}
	w := New(a, file, nil, fetcher, Config{MaxRetries: 1000, RetryInterval: time.Hour}, "/tmp")

	go w.Run(openBuf(&buf))
	time.Sleep(10 * time.Millisecond)
	w.RequestStop()
	res := <-w.Done()

	if res.Status != modules.ArticlePending {
		t.Fatalf("expected article reset to Pending on stop, got %v", res.Status)
	}
}

var errTransient = io.ErrUnexpectedEOF
