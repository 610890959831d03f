// Package coordinator implements C5: the scheduling loop that binds
// pending articles to available connections, starts and observes
// workers, aggregates file and collection completion, and detects
// hung workers (SPEC_FULL.md §4.5).
package coordinator

import (
	"io"
	"time"

	"github.com/NebulousLabs/errors"
	"github.com/hexfeed/hexfeedd/modules"
	"github.com/hexfeed/hexfeedd/modules/queue"
	"github.com/hexfeed/hexfeedd/modules/serverpool"
	"github.com/hexfeed/hexfeedd/modules/speedometer"
	"github.com/hexfeed/hexfeedd/modules/worker"
	siasync "github.com/hexfeed/hexfeedd/sync"
)

// busyTick and idleTick are the coordinator's fixed poll intervals
// (SPEC_FULL.md §4.5: 5ms when busy, 100ms when idle or paused).
const (
	busyTick = 5 * time.Millisecond
	idleTick = 100 * time.Millisecond
)

// PostProcessHandoff receives a collection once its last file has
// finished or been deleted, constructing and driving its post-job
// (C6). Defined here rather than imported from postprocess to avoid an
// import cycle; postprocess.Driver satisfies it.
type PostProcessHandoff interface {
	HandleNzbReady(c *queue.Collection)
}

// Config bounds the coordinator's concurrency.
type Config struct {
	ThreadLimit      int
	TerminateTimeout time.Duration
	TempDir          string
	Worker           worker.Config
}

// Coordinator is the single-threaded driver with a worker pool on the
// side (SPEC_FULL.md §4.5).
type Coordinator struct {
	q       *queue.Queue
	pool    *serverpool.Pool
	speed   *speedometer.Speedometer
	fetcher worker.Fetcher
	opener  func(path string) (io.WriteCloser, error)
	post    PostProcessHandoff

	cfg Config
	tg  siasync.ThreadGroup

	mu      siasync.TryMutex
	active  map[*worker.Worker]*activeEntry
	paused  bool
	stopped bool
}

type activeEntry struct {
	w       *worker.Worker
	article *queue.Article
	file    *queue.File
	conn    *serverpool.Connection
}

// New constructs a Coordinator. opener creates the temp file a worker
// writes an article's decoded payload into.
func New(q *queue.Queue, pool *serverpool.Pool, fetcher worker.Fetcher, opener func(string) (io.WriteCloser, error), post PostProcessHandoff, cfg Config) *Coordinator {
	return &Coordinator{
		q:       q,
		pool:    pool,
		speed:   speedometer.New(),
		fetcher: fetcher,
		opener:  opener,
		post:    post,
		cfg:     cfg,
		active:  make(map[*worker.Worker]*activeEntry),
	}
}

// RequestParityVolumes satisfies par.CoordinatorLink: the par engine
// adapter (C7) calls back into the coordinator when it needs more
// parity data than is currently queued. The coordinator has nothing
// extra to fetch on its own — the additional volumes must already be
// part of the collection's file set — so this reports whether any
// parity files for nzbID are still downloading, which is the signal
// the adapter waits on before retrying its repair pass.
func (c *Coordinator) RequestParityVolumes(nzbID uint64) (pending bool) {
	c.q.RLock()
	defer c.q.RUnlock()
	for _, f := range c.q.Files() {
		if f.Collection != nil && f.Collection.ID == nzbID && f.IsPar {
			return true
		}
	}
	return false
}

// Speedometer exposes the current-rate readout for the RPC server.
func (c *Coordinator) Speedometer() *speedometer.Speedometer { return c.speed }

// SetPostHandoff wires the post-processing driver in after construction,
// breaking the construction cycle between the coordinator (which the
// driver's par adapter calls back into as a CoordinatorLink) and the
// driver itself (which the coordinator hands finished collections to).
func (c *Coordinator) SetPostHandoff(post PostProcessHandoff) {
	c.post = post
}

// SetPaused flips the coordinator's global pause bit (the PauseUnpause
// RPC, SPEC_FULL.md §6).
func (c *Coordinator) SetPaused(p bool) {
	c.mu.Lock()
	c.paused = p
	c.mu.Unlock()
}

// Run drives the scheduling loop until Stop is called. It is meant to
// be run in its own goroutine.
func (c *Coordinator) Run() {
	if err := c.tg.Add(); err != nil {
		return
	}
	defer c.tg.Done()

	lastHousekeeping := time.Time{}
	for {
		select {
		case <-c.tg.StopChan():
			return
		default:
		}

		busy := c.tick()

		if time.Since(lastHousekeeping) >= time.Second {
			c.pool.CloseIdle()
			c.detectHangs()
			lastHousekeeping = time.Now()
		}

		wait := idleTick
		if busy {
			wait = busyTick
		}
		select {
		case <-time.After(wait):
		case <-c.tg.StopChan():
			return
		}
	}
}

// tick performs one scheduling pass (SPEC_FULL.md §4.5's numbered
// steps) and returns whether the coordinator did useful work, which
// governs the next tick's delay.
func (c *Coordinator) tick() (busy bool) {
	c.mu.Lock()
	paused := c.paused
	c.mu.Unlock()

	if !paused {
		if c.startOneWorker() {
			busy = true
		}
	}
	c.speed.Add(0)
	return busy
}

// startOneWorker implements step 1: if a connection is free, pick the
// next pending article and start a worker for it.
func (c *Coordinator) startOneWorker() bool {
	c.mu.Lock()
	if c.stopped || len(c.active) >= c.cfg.ThreadLimit {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	conn, err := c.pool.Acquire(0)
	if err != nil {
		return false
	}

	c.q.Lock()
	a, f, err := c.q.PickNextArticle(nil)
	if err != nil || a == nil {
		c.q.Unlock()
		c.pool.Release(conn, true)
		return false
	}
	a.Status = modules.ArticleRunning
	c.q.BeginDownload(f)
	c.q.Unlock()

	w := worker.New(a, f, conn, c.fetcher, c.cfg.Worker, c.cfg.TempDir)
	c.mu.Lock()
	c.active[w] = &activeEntry{w: w, article: a, file: f, conn: conn}
	c.mu.Unlock()

	go w.Run(c.opener)
	go c.awaitCompletion(w)
	return true
}

// awaitCompletion blocks on one worker's Done channel and applies its
// result. Each worker has its own awaitCompletion goroutine, so results
// of different workers are applied as each goroutine gets the locks;
// they are not funneled through one ordered channel.
func (c *Coordinator) awaitCompletion(w *worker.Worker) {
	res := <-w.Done()
	c.mu.Lock()
	entry, ok := c.active[w]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.finishWorker(w, entry, res)
}

func (c *Coordinator) finishWorker(w *worker.Worker, entry *activeEntry, res worker.Result) {
	c.pool.Release(entry.conn, res.Failure != worker.FailureAuth)

	if res.Status == modules.ArticleFailed && res.Err != nil {
		entry.file.Collection.LogMessage("warning", "article "+entry.article.MessageID+" failed: "+res.Err.Error())
	}

	c.q.Lock()
	fileDone, fileDeleted := c.q.CompleteArticle(entry.file, entry.article, res.Status, res.ConfirmedFilename)
	c.q.EndDownload(entry.file)
	remaining := 0
	if fileDone || fileDeleted {
		remaining = c.q.CollectionFilesRemaining(entry.file.Collection)
	}
	c.q.Unlock()

	c.mu.Lock()
	delete(c.active, w)
	c.mu.Unlock()

	if (fileDone || fileDeleted) && remaining == 0 {
		c.q.Lock()
		c.q.NewPostJob(entry.file.Collection)
		c.q.Unlock()
		if c.post != nil {
			c.post.HandleNzbReady(entry.file.Collection)
		}
	}
}

// detectHangs implements SPEC_FULL.md §4.5 step 3's hang detection: any
// worker whose last-activity timestamp exceeds TerminateTimeout is
// forcibly torn down, its article reset to Pending, and the worker is
// leaked (its goroutine may still be blocked in I/O; the coordinator
// never touches the worker object again, per §5).
func (c *Coordinator) detectHangs() {
	now := time.Now()
	c.mu.Lock()
	var hung []*activeEntry
	for w, entry := range c.active {
		if now.Sub(w.LastActivity()) > c.cfg.TerminateTimeout {
			hung = append(hung, entry)
			delete(c.active, w)
		}
	}
	c.mu.Unlock()

	for _, entry := range hung {
		c.q.Lock()
		entry.article.Status = modules.ArticlePending
		c.q.EndDownload(entry.file)
		c.q.Unlock()
	}
}

// Stop requests every active worker to stop and waits for the active
// set to drain (SPEC_FULL.md §4.5's shutdown). No new workers are
// started once stopped.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	c.stopped = true
	for _, entry := range c.active {
		entry.w.RequestStop()
	}
	c.mu.Unlock()

	if err := c.tg.Stop(); err != nil && !errors.Contains(err, siasync.ErrStopped) {
		return err
	}

	for {
		c.mu.Lock()
		n := len(c.active)
		c.mu.Unlock()
		if n == 0 {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}
