// Package tree assembles the LSM tree: the append path, memtable flushes,
// the tiering/leveling merge policy with tombstone-proportion enforcement,
// and the orchestration of independent range sampling across all levels.
package tree

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dbrumbaugh/sampling-extension/pkg/level"
	"github.com/dbrumbaugh/sampling-extension/pkg/memtable"
	"github.com/dbrumbaugh/sampling-extension/pkg/record"
	"github.com/dbrumbaugh/sampling-extension/pkg/run"
	"github.com/dbrumbaugh/sampling-extension/pkg/sampler"
	"github.com/dbrumbaugh/sampling-extension/pkg/stats"
	"github.com/dbrumbaugh/sampling-extension/pkg/types"
)

// Tree is the LSM tree. One writer goroutine may call Append, DeleteRecord
// and Persist; any number of goroutines may sample concurrently. Structure
// changes are published by atomically replacing the level slice, so
// samplers work against a consistent snapshot taken at query entry.
type Tree struct {
	rootDir string
	opts    Options

	mt     *memtable.Memtable
	levels atomic.Pointer[[]*level.Level]

	registry *stats.Registry
	logger   *slog.Logger

	// rng serves the write path (filter seeding during merges); samplers
	// bring their own.
	rng *rand.Rand
}

// New creates an empty tree rooted at rootDir.
func New(rootDir string, opts Options, rng *rand.Rand) (*Tree, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	t := &Tree{
		rootDir:  rootDir,
		opts:     opts,
		mt:       memtable.New(opts.MemtableCap, opts.MemtableTombstoneCap, opts.BloomFPR, opts.BloomHashCount, rng),
		registry: stats.NewRegistry(),
		logger:   slog.Default().With("component", "lsm-tree"),
		rng:      rng,
	}
	empty := make([]*level.Level, 0)
	t.levels.Store(&empty)
	return t, nil
}

// Stats returns the sampling statistics registry.
func (t *Tree) Stats() *stats.Registry {
	return t.registry
}

func (t *Tree) filterParams() run.FilterParams {
	return run.FilterParams{FPR: t.opts.BloomFPR, HashCount: t.opts.BloomHashCount}
}

func (t *Tree) snapshot() []*level.Level {
	return *t.levels.Load()
}

// working returns a private copy of the level slice for the writer to
// mutate; samplers keep reading the published slice untouched.
func (t *Tree) working() []*level.Level {
	cur := t.snapshot()
	w := make([]*level.Level, len(cur))
	copy(w, cur)
	return w
}

func (t *Tree) publish(levels []*level.Level) {
	t.levels.Store(&levels)
}

// levelCapacity is the record capacity of level idx: C * s^(idx+1).
func (t *Tree) levelCapacity(idx int) int {
	return t.opts.MemtableCap * int(math.Pow(float64(t.opts.ScaleFactor), float64(idx+1)))
}

func (t *Tree) levelShape() level.Shape {
	if t.opts.Policy == Leveling {
		return level.Leveling
	}
	return level.Tiering
}

func (t *Tree) runCap() int {
	if t.opts.Policy == Leveling {
		return 1
	}
	return t.opts.ScaleFactor
}

// Append inserts a record or tombstone. It returns false when a tombstone
// would exceed the memtable's tombstone budget. A full memtable flushes
// synchronously before the insert.
func (t *Tree) Append(k types.Key, v types.Value, w types.Weight, isTombstone bool) bool {
	if !t.opts.Weighted {
		w = 1
	}
	if t.mt.IsFull() {
		t.flush()
	}
	return t.mt.Append(k, v, w, isTombstone)
}

// DeleteRecord tags the live record matching (k, v). It is only available
// in the delete-tagging variant; the tombstone variant expresses deletes
// via Append with isTombstone set.
func (t *Tree) DeleteRecord(k types.Key, v types.Value) bool {
	if t.opts.DeleteMode != DeleteTagging {
		return false
	}

	// The levels hold most of the data and answer through their indexes;
	// the memtable scan is last.
	for _, lvl := range t.snapshot() {
		if lvl.DeleteRecord(k, v) {
			return true
		}
	}
	return t.mt.DeleteRecord(k, v)
}

// flush moves the memtable into level 0, merging down first if level 0
// cannot accept it, and enforces the tombstone proportion afterwards.
func (t *Tree) flush() {
	count := t.mt.RecordCount()
	if count == 0 {
		return
	}

	levels := t.working()
	if len(levels) == 0 || !t.canMergeWith(levels, 0, count) {
		levels = t.mergeDown(levels, 0)
	}

	newRun := run.FromMemtable(t.mt, t.filterParams(), t.rng)
	var err error
	if t.opts.Policy == Leveling {
		incoming := level.New(0, 1, level.Leveling)
		incoming, err = incoming.WithRun(newRun)
		if err == nil {
			levels[0], err = level.MergeLevels(levels[0], incoming, t.filterParams(), t.rng)
		}
	} else {
		levels[0], err = levels[0].WithRun(newRun)
	}
	if err != nil {
		// Merges publish only on success; the prior state stays intact.
		t.logger.Error("flush failed, tree unchanged", "error", err)
		return
	}

	levels = t.enforceTombstoneMax(levels, 0)
	t.publish(levels)

	for !t.mt.Truncate() {
		runtime.Gosched()
	}

	t.logger.Debug("memtable flushed",
		"records", count,
		"cancellations", newRun.Cancellations(),
		"height", len(levels))
}

// canMergeWith reports whether level idx can absorb incomingCount more
// records (leveling) or one more run (tiering).
func (t *Tree) canMergeWith(levels []*level.Level, idx int, incomingCount int) bool {
	if idx >= len(levels) {
		return false
	}
	if t.opts.Policy == Leveling {
		return levels[idx].RecordCount()+incomingCount <= t.levelCapacity(idx)
	}
	return levels[idx].RunCount() < t.opts.ScaleFactor
}

// findMergable returns the first level below idx able to absorb the
// cascade starting at idx, or -1 when the tree must grow.
func (t *Tree) findMergable(levels []*level.Level, idx int) int {
	incoming := levels[idx].RecordCount()
	for i := idx + 1; i < len(levels); i++ {
		if t.canMergeWith(levels, i, incoming) {
			return i
		}
		incoming = levels[i].RecordCount()
	}
	return -1
}

// mergeDown makes room at level idx by walking to the first level that can
// absorb its elder, growing if necessary, then merging each level into its
// successor from the bottom up.
func (t *Tree) mergeDown(levels []*level.Level, idx int) []*level.Level {
	base := -1
	if idx < len(levels) {
		base = t.findMergable(levels, idx)
	}
	if base == -1 {
		levels = t.grow(levels)
		base = len(levels) - 1
	}

	for i := base; i > idx; i-- {
		t.mergeLevels(levels, i, i-1)
		levels = t.enforceTombstoneMax(levels, i)
	}
	return levels
}

// mergeLevels merges level incoming into level base (base = incoming+1)
// and leaves a fresh empty level in the incoming slot.
func (t *Tree) mergeLevels(levels []*level.Level, base, incoming int) {
	var err error
	if t.opts.Policy == Leveling {
		levels[base], err = level.MergeLevels(levels[base], levels[incoming], t.filterParams(), t.rng)
	} else {
		levels[base], err = levels[base].WithMergedRuns(levels[incoming], t.filterParams(), t.rng)
	}
	if err != nil {
		t.logger.Error("level merge failed", "base", base, "incoming", incoming, "error", err)
		return
	}
	levels[incoming] = level.New(incoming, t.runCap(), t.levelShape())
}

// grow appends a fresh empty level. In tiering, tombstones must have been
// consumed from the oldest run before a deeper level is exposed; a breach
// is a programmer error in the merge policy.
func (t *Tree) grow(levels []*level.Level) []*level.Level {
	if t.opts.Policy == Tiering && len(levels) > 0 {
		last := levels[len(levels)-1]
		if last.RunCount() > 0 && last.Run(0).TombstoneCount() != 0 {
			panic("tree: growing past a level with unconsumed tombstones")
		}
	}

	idx := len(levels)
	grown := make([]*level.Level, idx+1)
	copy(grown, levels)
	grown[idx] = level.New(idx, t.runCap(), t.levelShape())

	t.logger.Debug("tree grew", "levels", idx+1)
	return grown
}

// enforceTombstoneMax merges level idx down while its tombstone proportion
// exceeds the configured maximum.
func (t *Tree) enforceTombstoneMax(levels []*level.Level, idx int) []*level.Level {
	if idx >= len(levels) {
		return levels
	}
	if levels[idx].TombstoneProportion(t.levelCapacity(idx)) > t.opts.MaxTombstoneProp {
		levels = t.mergeDown(levels, idx)
	}
	return levels
}

// RangeSample draws k independent samples of live records with keys in
// [lo, hi] and writes them into out, returning how many were produced.
// Short returns happen only for provably empty windows.
func (t *Tree) RangeSample(out []record.Record, lo, hi types.Key, k int, rng *rand.Rand) int {
	if k <= 0 || lo > hi || len(out) < k {
		return 0
	}

	st := t.registry.Acquire()
	defer t.registry.Release(st)

	// Phase 1: a consistent view. Pin the memtable, snapshot the cutoff
	// and the level pointers, then gather ranges and weights.
	t.mt.Pin()
	defer t.mt.Unpin()

	phaseStart := time.Now()
	cutoff := t.mt.Cutoff()
	levels := t.snapshot()

	view := sampler.MemtableView{Mt: t.mt, Cutoff: cutoff}
	sources := make([]sampler.Source, 0, 8)

	mtSource := sampler.Source{RID: types.InvalidRunID}
	if t.opts.MemtableRejection {
		if t.opts.Weighted {
			mtSource.Weight = t.mt.TotalWeight()
			for i := 0; i < cutoff; i++ {
				if w := float64(t.mt.RecordAt(i).Weight); w > mtSource.MaxWeight {
					mtSource.MaxWeight = w
				}
			}
		} else {
			mtSource.Weight = float64(cutoff)
		}
	} else {
		indices, w := t.mt.SampleRange(lo, hi)
		view.Candidates = indices
		if view.Candidates == nil {
			view.Candidates = []int{}
		}
		if t.opts.Weighted {
			mtSource.Weight = w
			for _, i := range indices {
				if rw := float64(t.mt.RecordAt(i).Weight); rw > mtSource.MaxWeight {
					mtSource.MaxWeight = rw
				}
			}
		} else {
			mtSource.Weight = float64(len(indices))
		}
	}
	sources = append(sources, mtSource)

	for li, lvl := range levels {
		for _, r := range lvl.SampleRanges(lo, hi) {
			src := sampler.Source{
				RID: types.RunID{Level: li, Run: r.Run},
				Run: lvl.Run(r.Run),
				Lo:  r.Lo,
				Hi:  r.Hi,
			}
			if t.opts.Weighted {
				src.Weight = r.Weight
				src.MaxWeight = src.Run.MaxRecordWeight()
			} else {
				src.Weight = float64(r.Hi - r.Lo)
			}
			sources = append(sources, src)
		}
	}
	st.SampleRangeNanos += time.Since(phaseStart).Nanoseconds()

	q := &sampler.Query{
		Lo:           lo,
		Hi:           hi,
		K:            k,
		Memtable:     view,
		Sources:      sources,
		IsDeleted:    t.deletionChecker(levels),
		Weighted:     t.opts.Weighted,
		RejectionCap: t.opts.MaxRejectionRatio,
		Stats:        st,
	}
	return sampler.Sample(q, out, rng)
}

// deletionChecker resolves whether a candidate is shadowed: by its delete
// tag, by a memtable tombstone, or by a tombstone in any strictly newer
// run. Within the candidate's own level only higher run slots are newer.
func (t *Tree) deletionChecker(levels []*level.Level) func(*record.Record, types.RunID) bool {
	return func(rec *record.Record, rid types.RunID) bool {
		if t.opts.DeleteMode == DeleteTagging && rec.IsDeleted() {
			return true
		}
		if t.mt.CheckTombstone(rec.Key, rec.Value) {
			return true
		}
		if !rid.Valid() {
			return false
		}
		for lvl := 0; lvl < rid.Level; lvl++ {
			if levels[lvl].TombstoneCheck(0, rec.Key, rec.Value) {
				return true
			}
		}
		return levels[rid.Level].TombstoneCheck(rid.Run+1, rec.Key, rec.Value)
	}
}

// RecordCount returns the live structure's record total: memtable plus
// every level.
func (t *Tree) RecordCount() int {
	n := t.mt.RecordCount()
	for _, lvl := range t.snapshot() {
		n += lvl.RecordCount()
	}
	return n
}

func (t *Tree) TombstoneCount() int {
	n := t.mt.TombstoneCount()
	for _, lvl := range t.snapshot() {
		n += lvl.TombstoneCount()
	}
	return n
}

// Height returns the number of levels below the memtable.
func (t *Tree) Height() int {
	return len(t.snapshot())
}

func (t *Tree) MemoryBytes() uint64 {
	n := t.mt.MemoryBytes()
	for _, lvl := range t.snapshot() {
		n += lvl.MemoryBytes()
	}
	return n
}

func (t *Tree) AuxMemoryBytes() uint64 {
	n := t.mt.AuxMemoryBytes()
	for _, lvl := range t.snapshot() {
		n += lvl.AuxMemoryBytes()
	}
	return n
}

// ValidateTombstoneProportion checks invariant 3: every level's tombstone
// count stays within MaxTombstoneProp of its capacity.
func (t *Tree) ValidateTombstoneProportion() bool {
	for i, lvl := range t.snapshot() {
		if lvl.TombstoneProportion(t.levelCapacity(i)) > t.opts.MaxTombstoneProp {
			return false
		}
	}
	return true
}

func (t *Tree) String() string {
	return fmt.Sprintf("lsm-tree{height=%d records=%d tombstones=%d}",
		t.Height(), t.RecordCount(), t.TombstoneCount())
}
