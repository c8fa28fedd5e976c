// Package level groups runs of equal age. A tiering level holds up to the
// scale factor's worth of runs; a leveling level holds exactly one merged
// run. Levels are copied, never mutated in place, so samplers can keep
// reading a published level while the writer builds its replacement.
package level

import (
	"fmt"
	"math/rand/v2"

	"github.com/dbrumbaugh/sampling-extension/pkg/run"
	"github.com/dbrumbaugh/sampling-extension/pkg/types"
)

// Shape selects the per-level merge policy.
type Shape int

const (
	Tiering Shape = iota
	Leveling
)

// SampleRange is one run's slice of a query window: the half-open index
// range [Lo, Hi) together with its sampling weight.
type SampleRange struct {
	Run    int
	Lo, Hi int
	Weight float64
}

// Level is a fixed-capacity slot set for runs. The zero slot is the
// oldest run; freshly flushed or merged runs append at the end.
type Level struct {
	levelNo int
	runCap  int
	shape   Shape
	runs    []*run.Run
}

// New creates an empty level. Leveling levels always have capacity 1.
func New(levelNo int, runCap int, shape Shape) *Level {
	if shape == Leveling {
		runCap = 1
	}
	return &Level{levelNo: levelNo, runCap: runCap, shape: shape}
}

func (l *Level) LevelNo() int {
	return l.levelNo
}

func (l *Level) Shape() Shape {
	return l.shape
}

func (l *Level) RunCount() int {
	return len(l.runs)
}

func (l *Level) RunCap() int {
	return l.runCap
}

// Run returns the run in slot i.
func (l *Level) Run(i int) *run.Run {
	return l.runs[i]
}

// WithRun returns a copy of the level with r appended as its freshest run.
func (l *Level) WithRun(r *run.Run) (*Level, error) {
	if len(l.runs) >= l.runCap {
		return nil, fmt.Errorf("level %d is full (%d runs)", l.levelNo, l.runCap)
	}
	nl := &Level{levelNo: l.levelNo, runCap: l.runCap, shape: l.shape}
	nl.runs = append(append(nl.runs, l.runs...), r)
	return nl, nil
}

// MergeLevels builds the replacement for a leveling base level by merging
// the incoming level's runs with the base's resident run. The incoming
// level must be strictly younger than the base, except during bootstrap
// when both are level 0. An empty base takes ownership of a single
// incoming run without rebuilding it.
func MergeLevels(base, incoming *Level, fp run.FilterParams, rng *rand.Rand) (*Level, error) {
	if base.shape != Leveling {
		panic("level: MergeLevels requires a leveling base")
	}
	if base.levelNo <= incoming.levelNo && !(base.levelNo == 0 && incoming.levelNo == 0) {
		panic("level: merge base must be older than incoming")
	}

	nl := New(base.levelNo, 1, Leveling)
	if len(base.runs) == 0 && incoming.RunCount() == 1 {
		nl.runs = []*run.Run{incoming.Run(0)}
		return nl, nil
	}

	inputs := make([]*run.Run, 0, len(base.runs)+incoming.RunCount())
	inputs = append(inputs, base.runs...)
	inputs = append(inputs, incoming.runs...)
	merged, err := run.Merge(inputs, fp, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to merge into level %d: %w", base.levelNo, err)
	}
	nl.runs = []*run.Run{merged}
	return nl, nil
}

// WithMergedRuns returns a copy of a tiering base level with the incoming
// level's runs merged into a single new run appended as the freshest slot.
// A single incoming run moves without rebuilding.
func (l *Level) WithMergedRuns(incoming *Level, fp run.FilterParams, rng *rand.Rand) (*Level, error) {
	if l.shape != Tiering {
		panic("level: WithMergedRuns requires a tiering base")
	}
	if incoming.RunCount() == 1 {
		return l.WithRun(incoming.Run(0))
	}
	merged, err := run.Merge(incoming.runs, fp, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to merge runs of level %d: %w", incoming.levelNo, err)
	}
	return l.WithRun(merged)
}

func (l *Level) RecordCount() int {
	n := 0
	for _, r := range l.runs {
		n += r.RecordCount()
	}
	return n
}

func (l *Level) TombstoneCount() int {
	n := 0
	for _, r := range l.runs {
		n += r.TombstoneCount()
	}
	return n
}

func (l *Level) TotalWeight() float64 {
	var w float64
	for _, r := range l.runs {
		w += r.TotalWeight()
	}
	return w
}

// TombstoneProportion returns tombstones relative to the level's record
// capacity.
func (l *Level) TombstoneProportion(capacity int) float64 {
	if capacity == 0 {
		return 0
	}
	return float64(l.TombstoneCount()) / float64(capacity)
}

// SampleRanges computes, per run, the index range covering [lo, hi].
// Runs the window misses entirely are omitted.
func (l *Level) SampleRanges(lo, hi types.Key) []SampleRange {
	ranges := make([]SampleRange, 0, len(l.runs))
	for i, r := range l.runs {
		loIdx := r.LowerBound(lo)
		hiIdx := r.UpperBound(hi)
		if loIdx == run.NotFound || hiIdx == run.NotFound || hiIdx <= loIdx {
			continue
		}
		ranges = append(ranges, SampleRange{
			Run:    i,
			Lo:     loIdx,
			Hi:     hiIdx,
			Weight: r.RangeWeight(loIdx, hiIdx),
		})
	}
	return ranges
}

// TombstoneCheck probes for a tombstone matching (k, v) in slots runStop
// and above. Passing 0 checks the whole level; to probe only the runs
// strictly newer than slot s, pass s+1. Filters answer first; only positive filters touch run
// data.
func (l *Level) TombstoneCheck(runStop int, k types.Key, v types.Value) bool {
	for i := runStop; i < len(l.runs); i++ {
		if l.runs[i].TombstoneExists(k, v) {
			return true
		}
	}
	return false
}

// DeleteRecord tags the live record matching (k, v) in the first run that
// holds it. Delete-tagging variant only.
func (l *Level) DeleteRecord(k types.Key, v types.Value) bool {
	for _, r := range l.runs {
		if r.DeleteRecord(k, v) {
			return true
		}
	}
	return false
}

func (l *Level) MemoryBytes() uint64 {
	var n uint64
	for _, r := range l.runs {
		n += r.MemoryBytes()
	}
	return n
}

func (l *Level) AuxMemoryBytes() uint64 {
	var n uint64
	for _, r := range l.runs {
		n += r.AuxMemoryBytes()
	}
	return n
}
