package postprocess

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hexfeed/hexfeedd/modules"
	"github.com/hexfeed/hexfeedd/modules/par"
	"github.com/hexfeed/hexfeedd/modules/queue"
)

type stubExtractor struct {
	exitCode int
	lines    []string
	err      error
}

func (s stubExtractor) Extract(archivePath, destDir string, onLine func(string)) (int, error) {
	for _, l := range s.lines {
		onLine(l)
	}
	return s.exitCode, s.err
}

type stubSourceLoader struct {
	files  []par.SourceFile
	parity par.ParitySet
	err    error
}

func (s stubSourceLoader) LoadSources(c *queue.Collection) ([]par.SourceFile, par.ParitySet, error) {
	return s.files, s.parity, s.err
}

func newCollectionWithJob(t *testing.T, dir string) (*queue.Queue, *queue.Collection, *queue.PostJob) {
	t.Helper()
	q := queue.New()
	c := &queue.Collection{Name: "job", DestDir: dir}
	q.Lock()
	q.AddCollection(c, nil)
	pj := q.NewPostJob(c)
	q.Unlock()
	return q, c, pj
}

func TestIsOKTrailerRecognizesBothMarkers(t *testing.T) {
	if !isOKTrailer("All OK") || !isOKTrailer("  Everything is Ok  ") {
		t.Fatal("expected both documented success markers to be recognized")
	}
	if isOKTrailer("Some other line") {
		t.Fatal("expected an unrelated line to not be recognized as success")
	}
}

func TestFindArchivesMatchesKnownExtensionsAndRarMagic(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "movie.rar"), nil)
	write(t, filepath.Join(dir, "movie.7z"), nil)
	write(t, filepath.Join(dir, "movie.7z.001"), nil)
	write(t, filepath.Join(dir, "movie.nfo"), nil)
	write(t, filepath.Join(dir, "disguised.bin"), append([]byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x00}, 'x'))

	archives, err := findArchives(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) != 4 {
		t.Fatalf("expected 4 archives, got %d: %v", len(archives), archives)
	}
}

func write(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
}

func TestStageUnpackClassifiesExitCodes(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "a.rar"), nil)

	cases := []struct {
		name     string
		exitCode int
		lines    []string
		want     modules.StageOutcome
	}{
		{"ok", exitOK, []string{"extracting...", "All OK"}, modules.OutcomeSuccess},
		{"ok-without-trailer", exitOK, []string{"extracting..."}, modules.OutcomeFailure},
		{"space", exitSpace, nil, modules.OutcomeSpace},
		{"password", exitPassword, nil, modules.OutcomePassword},
		{"other", 2, nil, modules.OutcomeFailure},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q, c, pj := newCollectionWithJob(t, dir)
			_ = q
			d := New(queue.New(), nil, stubExtractor{exitCode: tc.exitCode, lines: tc.lines}, nil, Config{}, nil)
			got := d.stageUnpack(pj)
			if got != tc.want {
				t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
			}
			_ = c
		})
	}
}

func TestStageMoveRenamesOnConflict(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	final := filepath.Join(root, "final")
	if err := os.Mkdir(src, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(final, 0700); err != nil {
		t.Fatal(err)
	}

	_, c, pj := newCollectionWithJob(t, src)
	c.FinalDir = final

	d := New(queue.New(), nil, nil, nil, Config{}, nil)
	outcome := d.stageMove(pj)
	if outcome != modules.OutcomeSuccess {
		t.Fatalf("expected OutcomeSuccess, got %v", outcome)
	}
	if c.FinalDir == final {
		t.Fatal("expected a conflict-renamed final directory")
	}
	if _, err := os.Stat(c.FinalDir); err != nil {
		t.Fatalf("expected moved directory to exist: %v", err)
	}
}

func TestStageCleanupRemovesConfiguredExtensions(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "a.par2"), nil)
	write(t, filepath.Join(dir, "a.mkv"), nil)

	_, c, pj := newCollectionWithJob(t, dir)
	c.DestDir = dir

	d := New(queue.New(), nil, nil, nil, Config{CleanupExts: []string{".par2"}}, nil)
	outcome := d.stageCleanup(pj)
	if outcome != modules.OutcomeSuccess {
		t.Fatalf("expected OutcomeSuccess, got %v", outcome)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.par2")); !os.IsNotExist(err) {
		t.Fatal("expected a.par2 to be removed")
	}
	if _, err := os.Stat(filepath.Join(dir, "a.mkv")); err != nil {
		t.Fatal("expected a.mkv to survive cleanup")
	}
}

func TestRunEndToEndReachesFinishedAndReleasesPostJob(t *testing.T) {
	dir := t.TempDir()
	q, c, pj := newCollectionWithJob(t, dir)
	c.DestDir = dir

	d := New(q, nil, nil, stubSourceLoader{}, Config{}, nil)
	d.run(pj)

	if pj.Stage != modules.StageFinished {
		t.Fatalf("expected StageFinished, got %v", pj.Stage)
	}
	for _, cand := range q.PostJobs() {
		if cand == pj {
			t.Fatal("expected the finished post-job to be removed from the queue")
		}
	}
}

func TestHandleNzbReadyIgnoresCollectionWithNoQueuedJob(t *testing.T) {
	q := queue.New()
	c := &queue.Collection{Name: "orphan"}
	d := New(q, nil, nil, nil, Config{}, nil)

	d.HandleNzbReady(c)
	time.Sleep(10 * time.Millisecond)
}
