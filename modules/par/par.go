// Package par implements C7: the par engine adapter. It performs
// CRC-based quick verification and, when that's inconclusive, drives a
// Reed-Solomon repair pass over the collection's data and parity
// blocks (SPEC_FULL.md §4.7).
//
// The real PAR2 wire format (GF(2^16) Reed-Solomon over a specific
// packet layout) is out of scope per spec.md §1's "parity math
// library" exclusion; this adapter defines its own simpler
// block-oriented representation and demonstrates the repair algorithm
// structure against it, per the Open Question resolution recorded in
// DESIGN.md.
package par

import (
	"hash/crc32"
	"time"

	"github.com/NebulousLabs/errors"
	"github.com/hexfeed/hexfeedd/modules"
	"github.com/klauspost/reedsolomon"
)

// ErrInsufficientParity's message is the reason Repair reports with
// RepairFailed when, even after waiting for CoordinatorLink to report
// additional volumes, there are not enough parity blocks to reconstruct
// the missing data.
var ErrInsufficientParity = errors.New("not enough parity blocks to repair")

// Block is one fixed-size chunk of a source file, either present on
// disk or reconstructible from parity.
type Block struct {
	Data    []byte
	Present bool
}

// SourceFile is one file of a collection as seen by the par engine: its
// data blocks (some possibly missing because their articles failed)
// and the CRC32 accumulated while each article downloaded (for quick
// verify) keyed by block index.
type SourceFile struct {
	Blocks     []Block
	BlockCRCs  []uint32 // CRC the article-download path already computed, one per block
	ParityCRCs []uint32 // CRC recorded in the parity volume for the same blocks
}

// ParitySet is the decoded contents of a collection's parity volumes:
// one or more equally-sized recovery blocks, enough (combined with the
// surviving data blocks) to run Reed-Solomon reconstruction.
type ParitySet struct {
	DataShards   int
	ParityShards []Block
}

// CoordinatorLink is the callback interface the adapter uses to ask
// the coordinator (C5) whether more parity data might still arrive for
// a collection (SPEC_FULL.md §4.7's "incremental parity demand").
type CoordinatorLink interface {
	RequestParityVolumes(nzbID uint64) (pending bool)
}

// Adapter runs quick verify and repair for one coordinator.
type Adapter struct {
	link         CoordinatorLink
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// New returns an Adapter that calls back into link when it needs more
// parity data.
func New(link CoordinatorLink) *Adapter {
	return &Adapter{link: link, pollInterval: 500 * time.Millisecond, pollTimeout: 30 * time.Second}
}

// QuickVerify implements SPEC_FULL.md §4.7's quick-verify shortcut. It
// compares the download-time CRC of every present block against the
// parity volume's recorded CRC for that block, then compares the
// combined CRC of all BlockCRCs against the combined CRC of all
// ParityCRCs. The combined comparison covers missing blocks too, so a
// file with a missing block passes only if the CRC recorded for that
// block in BlockCRCs equals the parity volume's. Reading bytes from disk
// for partial overlaps is the caller's responsibility (SourceFile.Blocks
// already reflects that reconciliation). QuickVerify returns true if
// both comparisons hold.
func (a *Adapter) QuickVerify(sf SourceFile) bool {
	if len(sf.BlockCRCs) != len(sf.ParityCRCs) {
		return false
	}
	for i := range sf.Blocks {
		if !sf.Blocks[i].Present {
			continue
		}
		if sf.BlockCRCs[i] != sf.ParityCRCs[i] {
			return false
		}
	}
	return combinedCRC(sf.BlockCRCs) == combinedCRC(sf.ParityCRCs)
}

// combinedCRC folds a sequence of per-block CRCs into one file-level
// CRC, the same shortcut spec.md §4.7 describes ("compute the file's
// CRC by combining per-block CRCs from the parity volume").
func combinedCRC(blockCRCs []uint32) uint32 {
	var combined uint32
	for _, c := range blockCRCs {
		combined = crc32.Update(combined, crc32.IEEETable, uint32ToBytes(c))
	}
	return combined
}

func uint32ToBytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// Repair reconstructs missing blocks of sf using parity, polling
// CoordinatorLink for additional parity volumes if the currently
// available set is insufficient, up to pollTimeout. reload, when
// non-nil, is called after each poll that reports more volumes
// pending, and its result replaces parity for the next check and the
// eventual reconstruction attempt — without it, the loop would only
// ever re-test the same snapshot it started with and could never
// succeed on a retried pass. It returns modules.Repaired on success,
// modules.RepairPossible if parity is sufficient in principle but
// reconstruction itself fails, or modules.RepairFailed with reason set
// otherwise.
func (a *Adapter) Repair(nzbID uint64, sf *SourceFile, parity ParitySet, reload func() (ParitySet, error)) (outcome modules.RepairOutcome, reason string) {
	missing := countMissing(sf.Blocks)
	if missing == 0 {
		return modules.RepairNotNeeded, ""
	}

	deadline := time.Now().Add(a.pollTimeout)
	for len(parity.ParityShards) < missing {
		if a.link == nil || !a.link.RequestParityVolumes(nzbID) || time.Now().After(deadline) {
			break
		}
		time.Sleep(a.pollInterval)
		if reload != nil {
			if fresh, err := reload(); err == nil {
				parity = fresh
			}
		}
	}
	if len(parity.ParityShards) < missing {
		return modules.RepairFailed, ErrInsufficientParity.Error()
	}

	enc, err := reedsolomon.New(parity.DataShards, len(parity.ParityShards))
	if err != nil {
		return modules.RepairFailed, err.Error()
	}

	shards := make([][]byte, parity.DataShards+len(parity.ParityShards))
	for i := 0; i < parity.DataShards; i++ {
		if sf.Blocks[i].Present {
			shards[i] = sf.Blocks[i].Data
		}
	}
	for i, p := range parity.ParityShards {
		if p.Present {
			shards[parity.DataShards+i] = p.Data
		}
	}

	if err := enc.Reconstruct(shards); err != nil {
		return modules.RepairPossible, err.Error()
	}
	for i := 0; i < parity.DataShards; i++ {
		sf.Blocks[i].Data = shards[i]
		sf.Blocks[i].Present = true
	}
	return modules.Repaired, ""
}

func countMissing(blocks []Block) int {
	n := 0
	for _, b := range blocks {
		if !b.Present {
			n++
		}
	}
	return n
}
