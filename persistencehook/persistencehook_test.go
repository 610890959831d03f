package persistencehook

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/hexfeed/hexfeedd/modules"
	"github.com/hexfeed/hexfeedd/modules/queue"
)

func newHook(t *testing.T) *BoltHook {
	t.Helper()
	dir := t.TempDir()
	h, err := New(filepath.Join(dir, "queue.db"), filepath.Join(dir, "tmp"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestExistsFalseBeforeAnySave(t *testing.T) {
	h := newHook(t)
	if h.Exists() {
		t.Fatal("expected a freshly opened hook to report no snapshot")
	}
}

func TestSaveAndLoadRoundTripsCollectionsFilesAndHistory(t *testing.T) {
	h := newHook(t)

	q := queue.New()
	q.Lock()
	c := &queue.Collection{Name: "movie", DestDir: "/tmp/movie"}
	f := &queue.File{Subject: "movie.part01", TotalSize: 100, Articles: []*queue.Article{
		{MessageID: "a@b", Status: modules.ArticlePending},
	}}
	q.AddCollection(c, []*queue.File{f})
	pj := q.NewPostJob(c)
	q.Unlock()

	if err := h.Save(q); err != nil {
		t.Fatal(err)
	}
	if !h.Exists() {
		t.Fatal("expected Exists to report true after Save")
	}

	q2 := queue.New()
	if err := h.Load(q2); err != nil {
		t.Fatal(err)
	}

	files := q2.Files()
	if len(files) != 1 {
		t.Fatalf("expected 1 restored file, got %d", len(files))
	}
	if files[0].Subject != "movie.part01" {
		t.Fatalf("unexpected restored subject: %q", files[0].Subject)
	}
	if files[0].Collection == nil || files[0].Collection.Name != "movie" {
		t.Fatal("expected the restored file to be linked back to its collection")
	}
	if len(files[0].Articles) != 0 {
		t.Fatal("expected articles to be loaded lazily, not eagerly on Load")
	}

	if err := h.LoadArticles(files[0]); err != nil {
		t.Fatal(err)
	}
	if len(files[0].Articles) != 1 || files[0].Articles[0].MessageID != "a@b" {
		t.Fatalf("unexpected articles after LoadArticles: %+v", files[0].Articles)
	}

	pjs := q2.PostJobs()
	if len(pjs) != 1 {
		t.Fatalf("expected 1 restored post-job, got %d", len(pjs))
	}
	if pjs[0].ID != pj.ID {
		t.Fatalf("expected the restored post-job to keep its id %d, got %d", pj.ID, pjs[0].ID)
	}
	if pjs[0].Collection == nil || pjs[0].Collection.ID != c.ID {
		t.Fatal("expected the restored post-job to be relinked to its restored collection")
	}
}

func TestSaveAndLoadRoundTripsHistory(t *testing.T) {
	h := newHook(t)
	q := queue.New()
	q.Lock()
	rec := &queue.HistoryRecord{Kind: modules.HistoryCollection, NzbName: "movie.nzb"}
	q.RestoreHistoryRecord(rec) // exercised indirectly below via a fresh id path
	q.Unlock()

	if err := h.Save(q); err != nil {
		t.Fatal(err)
	}

	q2 := queue.New()
	if err := h.Load(q2); err != nil {
		t.Fatal(err)
	}
	hist := q2.History()
	if len(hist) != 1 || hist[0].NzbName != "movie.nzb" {
		t.Fatalf("unexpected restored history: %+v", hist)
	}
}

func TestDiscardFileRemovesOnlyThatFilesRecord(t *testing.T) {
	h := newHook(t)
	q := queue.New()
	q.Lock()
	c := &queue.Collection{Name: "pack"}
	f1 := &queue.File{Subject: "a"}
	f2 := &queue.File{Subject: "b"}
	q.AddCollection(c, []*queue.File{f1, f2})
	q.Unlock()

	if err := h.Save(q); err != nil {
		t.Fatal(err)
	}
	if err := h.DiscardFile(q, f1); err != nil {
		t.Fatal(err)
	}

	q2 := queue.New()
	if err := h.Load(q2); err != nil {
		t.Fatal(err)
	}
	if len(q2.Files()) != 1 || q2.Files()[0].Subject != "b" {
		t.Fatalf("expected only the surviving file to load, got %+v", q2.Files())
	}
}

func TestCleanupTempDirDeletesOnlyStrayFiles(t *testing.T) {
	h := newHook(t)
	q := queue.New()
	q.Lock()
	c := &queue.Collection{Name: "pack"}
	f := &queue.File{Subject: "a"}
	q.AddCollection(c, []*queue.File{f})
	q.Unlock()

	if err := os.MkdirAll(h.tempDir, 0755); err != nil {
		t.Fatal(err)
	}
	known := filepath.Join(h.tempDir, strconv.FormatUint(f.ID, 10)+".1")
	stray := filepath.Join(h.tempDir, "999999.1")
	if err := os.WriteFile(known, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stray, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := h.CleanupTempDir(q); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(known); err != nil {
		t.Fatal("expected the known file's temp data to survive cleanup")
	}
	if _, err := os.Stat(stray); !os.IsNotExist(err) {
		t.Fatal("expected the stray temp file to be removed")
	}
}
