// Package postprocess implements C6: the per-collection staged state
// machine (Loading → Verifying → {Repairing → VerifyingRepaired} →
// Unpacking → Moving → Cleanup → Finished) that runs once a
// collection's last file has completed downloading (SPEC_FULL.md §4.6).
package postprocess

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/NebulousLabs/errors"
	"github.com/hexfeed/hexfeedd/modules"
	"github.com/hexfeed/hexfeedd/modules/par"
	"github.com/hexfeed/hexfeedd/modules/queue"
	"github.com/hexfeed/hexfeedd/persist"
	siasync "github.com/hexfeed/hexfeedd/sync"
)

// errNoSourceLoader is returned by stageRepair's reload callback when
// the driver has no SourceLoader to re-fetch parity from.
var errNoSourceLoader = errors.New("no source loader configured")

// Exit codes the external archive extractor is documented to use
// (original_source/Unpack.cpp), preserved bit-exactly.
const (
	exitOK         = 0
	exitStartError = -1
	exitSpace      = 5
	exitPassword   = 11
)

// Extractor invokes the external archive extraction tool. Running the
// real extractor binary and parsing its arbitrary stdout format is out
// of scope (spec.md §1); this is the named external collaborator.
// onLine is called once per line of stdout the extractor produced, in
// order, so the driver can watch for the trailing "All OK" line.
type Extractor interface {
	Extract(archivePath, destDir string, onLine func(line string)) (exitCode int, err error)
}

// SourceLoader supplies the par engine adapter's view of a collection's
// on-disk data and parity blocks. Locating and parsing the real PAR2
// file set is out of scope (spec.md §1; see DESIGN.md's Open Question
// resolution); this is the named external collaborator for that step.
type SourceLoader interface {
	LoadSources(c *queue.Collection) ([]par.SourceFile, par.ParitySet, error)
}

// Config bounds a Driver's behavior.
type Config struct {
	RepairEnabled bool
	CleanupExts   []string // case-insensitive extensions removed during Cleanup, e.g. ".par2", ".sfv", ".nzb"
}

// Driver advances post-jobs through their stages, one child goroutine
// per job, spawned from HandleNzbReady (SPEC_FULL.md §4.6: "the driver
// holds no inline work; it spawns a worker ... and advances on the
// worker's completion callback").
type Driver struct {
	q         *queue.Queue
	parEng    *par.Adapter
	extractor Extractor
	sources   SourceLoader
	cfg       Config
	log       *persist.Logger
	tg        siasync.ThreadGroup

	mu     sync.Mutex
	loaded map[*queue.Collection]loadedSources
}

type loadedSources struct {
	files  []par.SourceFile
	parity par.ParitySet
}

// New constructs a Driver. log may be nil.
func New(q *queue.Queue, parEng *par.Adapter, extractor Extractor, sources SourceLoader, cfg Config, log *persist.Logger) *Driver {
	return &Driver{
		q:         q,
		parEng:    parEng,
		extractor: extractor,
		sources:   sources,
		cfg:       cfg,
		log:       log,
		loaded:    make(map[*queue.Collection]loadedSources),
	}
}

// HandleNzbReady satisfies coordinator.PostProcessHandoff. It finds the
// queued post-job the coordinator just created for c and spawns a
// goroutine to drive it to completion.
func (d *Driver) HandleNzbReady(c *queue.Collection) {
	d.q.Lock()
	pj := findQueuedJob(d.q, c)
	d.q.Unlock()
	if pj == nil {
		return
	}

	if err := d.tg.Add(); err != nil {
		return
	}
	go func() {
		defer d.tg.Done()
		d.run(pj)
	}()
}

func findQueuedJob(q *queue.Queue, c *queue.Collection) *queue.PostJob {
	for _, pj := range q.PostJobs() {
		if pj.Collection == c && pj.Stage == modules.StageQueued && !pj.Working {
			return pj
		}
	}
	return nil
}

// Stop waits for every in-flight post-job to run through all of its
// remaining stages; it does not cancel or interrupt them.
func (d *Driver) Stop() error {
	return d.tg.Stop()
}

// run drives pj through every stage in order, skipping repair when it
// isn't needed or isn't enabled (SPEC_FULL.md §4.6's state diagram).
func (d *Driver) run(pj *queue.PostJob) {
	c := pj.Collection
	pj.TotalStartTime = time.Now()

	if outcome := d.runStage(pj, modules.StageLoading, d.stageLoading); outcome == modules.OutcomeFailure {
		d.finish(pj)
		return
	}

	verifyOutcome := d.runStage(pj, modules.StageVerifying, d.stageVerify)
	c.ParStatus = verifyOutcome

	if verifyOutcome == modules.OutcomeFailure && d.cfg.RepairEnabled {
		repairOutcome := d.runStage(pj, modules.StageRepairing, d.stageRepair)
		if repairOutcome == modules.OutcomeSuccess {
			c.ParStatus = d.runStage(pj, modules.StageVerifyingRepaired, d.stageVerify)
		} else {
			c.ParStatus = repairOutcome
		}
	}

	unpackOutcome := d.runStage(pj, modules.StageUnpacking, d.stageUnpack)
	c.UnpackStatus = unpackOutcome
	if unpackOutcome == modules.OutcomeFailure && c.ParStatus != modules.OutcomeNone {
		pj.RequestParCheck = true
	}

	c.MoveStatus = d.runStage(pj, modules.StageMoving, d.stageMove)
	c.CleanupStatus = d.runStage(pj, modules.StageCleanup, d.stageCleanup)

	d.finish(pj)
}

type stageFunc func(pj *queue.PostJob) modules.StageOutcome

// runStage marks pj as working on stage, runs fn, and records the time
// spent, matching the driver's progress-reporting contract (SPEC_FULL.md
// §4.6: progress is reported through the post-job's label, which
// runStage sets to the stage name, and 0..1000 integers, set by
// individual stage functions as they work).
func (d *Driver) runStage(pj *queue.PostJob, stage modules.PostJobStage, fn stageFunc) modules.StageOutcome {
	pj.Stage = stage
	pj.ProgressLabel = stage.String()
	pj.Working = true
	pj.StageStartTime = time.Now()
	pj.StageProgress = 0
	outcome := fn(pj)
	pj.StageProgress = 1000
	pj.Working = false
	if d.log != nil {
		d.log.Printf("postprocess: collection %d stage %s outcome %d", pj.Collection.ID, stage, outcome)
	}
	return outcome
}

// stageLoading resolves the collection's data/parity layout via
// SourceLoader and stashes it for Verifying/Repairing to consume.
func (d *Driver) stageLoading(pj *queue.PostJob) modules.StageOutcome {
	if d.sources == nil {
		return modules.OutcomeSkipped
	}
	files, parity, err := d.sources.LoadSources(pj.Collection)
	if err != nil {
		pj.Collection.LogMessage("error", "loading source files: "+err.Error())
		return modules.OutcomeFailure
	}
	d.mu.Lock()
	d.loaded[pj.Collection] = loadedSources{files: files, parity: parity}
	d.mu.Unlock()
	return modules.OutcomeSuccess
}

// stageVerify runs quick-verify over every loaded source file
// (SPEC_FULL.md §4.7). There is no full verify pass: the first file that
// fails quick-verify ends the stage with OutcomeFailure.
func (d *Driver) stageVerify(pj *queue.PostJob) modules.StageOutcome {
	if d.parEng == nil {
		return modules.OutcomeSkipped
	}
	d.mu.Lock()
	ls := d.loaded[pj.Collection]
	d.mu.Unlock()
	if len(ls.files) == 0 {
		return modules.OutcomeSkipped
	}
	for i, total := 0, len(ls.files); i < total; i++ {
		if !d.parEng.QuickVerify(ls.files[i]) {
			return modules.OutcomeFailure
		}
		pj.FileProgress = ((i + 1) * 1000) / total
	}
	return modules.OutcomeSuccess
}

// stageRepair runs the par engine's repair pass over every file that
// failed quick-verify. When the par adapter reports that the
// coordinator has more parity volumes pending, it re-fetches the
// collection's sources through SourceLoader so the retried
// reconstruction pass actually sees the newly-downloaded data instead
// of looping against the same insufficient snapshot it started with
// (SPEC_FULL.md §4.7's "incremental parity demand").
func (d *Driver) stageRepair(pj *queue.PostJob) modules.StageOutcome {
	d.mu.Lock()
	ls := d.loaded[pj.Collection]
	d.mu.Unlock()
	if len(ls.files) == 0 {
		return modules.OutcomeFailure
	}

	reload := func() (par.ParitySet, error) {
		if d.sources == nil {
			return par.ParitySet{}, errNoSourceLoader
		}
		_, parity, err := d.sources.LoadSources(pj.Collection)
		if err != nil {
			return par.ParitySet{}, err
		}
		d.mu.Lock()
		cur := d.loaded[pj.Collection]
		cur.parity = parity
		d.loaded[pj.Collection] = cur
		d.mu.Unlock()
		return parity, nil
	}

	allOK := true
	for i := range ls.files {
		d.mu.Lock()
		parity := d.loaded[pj.Collection].parity
		d.mu.Unlock()
		outcome, reason := d.parEng.Repair(pj.Collection.ID, &ls.files[i], parity, reload)
		switch outcome {
		case modules.RepairNotNeeded, modules.Repaired:
		default:
			allOK = false
			pj.Collection.LogMessage("error", "repair failed: "+reason)
		}
		pj.FileProgress = ((i + 1) * 1000) / len(ls.files)
	}
	if !allOK {
		return modules.OutcomeFailure
	}
	return modules.OutcomeSuccess
}

// stageUnpack finds archive entries in the collection's destination
// directory and extracts each in turn, classifying the terminal outcome
// by the extractor's exit code and required trailing line (SPEC_FULL.md
// §4.6, original_source/Unpack.cpp's exit-code map).
func (d *Driver) stageUnpack(pj *queue.PostJob) modules.StageOutcome {
	if d.extractor == nil {
		return modules.OutcomeSkipped
	}
	archives, err := findArchives(pj.Collection.DestDir)
	if err != nil {
		pj.Collection.LogMessage("error", "scanning for archives: "+err.Error())
		return modules.OutcomeFailure
	}
	if len(archives) == 0 {
		return modules.OutcomeSkipped
	}

	for i, archive := range archives {
		sawOK := false
		exitCode, err := d.extractor.Extract(archive, pj.Collection.DestDir, func(line string) {
			if isOKTrailer(line) {
				sawOK = true
			}
		})
		pj.FileProgress = ((i + 1) * 1000) / len(archives)

		if err != nil {
			pj.Collection.LogMessage("error", "extracting "+archive+": "+err.Error())
			return modules.OutcomeFailure
		}
		switch exitCode {
		case exitOK:
			if !sawOK {
				return modules.OutcomeFailure
			}
		case exitSpace:
			return modules.OutcomeSpace
		case exitPassword:
			return modules.OutcomePassword
		default:
			return modules.OutcomeFailure
		}
	}
	return modules.OutcomeSuccess
}

// isOKTrailer reports whether line is one of the extractor's two
// documented success markers (original_source/Unpack.cpp).
func isOKTrailer(line string) bool {
	line = strings.TrimSpace(line)
	return line == "All OK" || line == "Everything is Ok"
}

// stageMove relocates the collection's destination directory into its
// final directory, renaming on conflict (SPEC_FULL.md §4.6).
func (d *Driver) stageMove(pj *queue.PostJob) modules.StageOutcome {
	c := pj.Collection
	if c.FinalDir == "" || c.FinalDir == c.DestDir {
		return modules.OutcomeSkipped
	}
	target := c.FinalDir
	for i := 1; ; i++ {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			break
		}
		target = c.FinalDir + "_" + strconv.Itoa(i)
	}
	if err := os.Rename(c.DestDir, target); err != nil {
		c.LogMessage("error", "moving to final directory: "+err.Error())
		return modules.OutcomeFailure
	}
	c.FinalDir = target
	return modules.OutcomeSuccess
}

// stageCleanup deletes every file whose extension is configured for
// removal (SPEC_FULL.md §4.6). Archive files are removed only when their
// extension is in that list.
func (d *Driver) stageCleanup(pj *queue.PostJob) modules.StageOutcome {
	if len(d.cfg.CleanupExts) == 0 {
		return modules.OutcomeSkipped
	}
	dir := pj.Collection.FinalDir
	if dir == "" {
		dir = pj.Collection.DestDir
	}
	removed := false
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		for _, want := range d.cfg.CleanupExts {
			if ext == strings.ToLower(want) {
				if rmErr := os.Remove(path); rmErr == nil {
					removed = true
				}
				return nil
			}
		}
		return nil
	})
	if err != nil {
		pj.Collection.LogMessage("error", "cleanup: "+err.Error())
		return modules.OutcomeFailure
	}
	if !removed {
		return modules.OutcomeSkipped
	}
	return modules.OutcomeSuccess
}

// finish releases the post-job's queue reference and clears any loaded
// source state.
func (d *Driver) finish(pj *queue.PostJob) {
	d.mu.Lock()
	delete(d.loaded, pj.Collection)
	d.mu.Unlock()

	pj.Stage = modules.StageFinished

	d.q.Lock()
	d.q.FinishPostJob(pj)
	d.q.Unlock()
}
