// Package sampler implements the two-phase range-sampling algorithm: an
// alias table over per-source weights, then a batched rejection loop that
// draws candidates and admits only live, in-bounds records.
package sampler

import (
	"math/rand/v2"
	"time"

	"github.com/dbrumbaugh/sampling-extension/pkg/alias"
	"github.com/dbrumbaugh/sampling-extension/pkg/memtable"
	"github.com/dbrumbaugh/sampling-extension/pkg/record"
	"github.com/dbrumbaugh/sampling-extension/pkg/run"
	"github.com/dbrumbaugh/sampling-extension/pkg/stats"
	"github.com/dbrumbaugh/sampling-extension/pkg/types"
)

// DefaultRejectionCap bounds attempts at cap*k before the exhaustion
// bailout statistic fires. The loop itself keeps going; only the
// documented empty-range case returns short.
const DefaultRejectionCap = 1000

// Source is one sampling source: the memtable (Run == nil) or a run's
// index range within the query window.
type Source struct {
	RID    types.RunID
	Run    *run.Run
	Lo, Hi int

	// Weight is the source's share of the alias distribution: its range
	// record count when unweighted, its summed range weight otherwise.
	Weight float64

	// MaxWeight bounds single-record weights for the weighted acceptance
	// test. Ignored when the query is unweighted.
	MaxWeight float64
}

// MemtableView is the pinned snapshot of the memtable taken at query
// entry. Candidates is nil in rejection mode; otherwise it holds the
// in-range record indices gathered during phase 1.
type MemtableView struct {
	Mt         *memtable.Memtable
	Cutoff     int
	Candidates []int
}

// Query carries everything phase 1 gathered.
type Query struct {
	Lo, Hi types.Key
	K      int

	Memtable MemtableView
	Sources  []Source

	// IsDeleted resolves cross-run deletion for a candidate: a delete tag,
	// a memtable tombstone, or a tombstone in any strictly newer run.
	IsDeleted func(rec *record.Record, rid types.RunID) bool

	Weighted     bool
	RejectionCap int
	Stats        *stats.Sampler
}

// Sample fills out with up to K admitted records and returns how many it
// produced. It returns short only on the documented bailouts: a provably
// empty window (zero total weight) or the memtable-only empty first pass
// in rejection mode.
func Sample(q *Query, out []record.Record, rng *rand.Rand) int {
	st := q.Stats
	n := len(q.Sources)
	if n == 0 || q.K <= 0 {
		return 0
	}

	start := time.Now()
	weights := make([]float64, n)
	var total float64
	for i, src := range q.Sources {
		weights[i] = src.Weight
		total += src.Weight
	}
	if total <= 0 {
		st.Bailouts++
		return 0
	}

	al, err := alias.New(weights)
	st.AliasNanos += time.Since(start).Nanoseconds()
	if err != nil {
		st.Bailouts++
		return 0
	}

	rejectionCap := q.RejectionCap
	if rejectionCap <= 0 {
		rejectionCap = DefaultRejectionCap
	}

	memtableOnly := n == 1 && q.Sources[0].Run == nil
	rejectionMode := q.Memtable.Candidates == nil

	counts := make([]int, n)
	remaining := q.K
	accepted := 0
	attempts := 0
	capFired := false
	firstPass := true

	for accepted < q.K {
		drawStart := time.Now()
		for i := 0; i < remaining; i++ {
			counts[al.Draw(rng)]++
		}
		st.DrawNanos += time.Since(drawStart).Nanoseconds()
		remaining = 0

		for si := range counts {
			src := &q.Sources[si]
			for ; counts[si] > 0; counts[si]-- {
				if accepted == q.K {
					break
				}

				var rec *record.Record
				if src.Run == nil {
					rec = q.sampleMemtable(rng)
				} else {
					idx := src.Lo + rng.IntN(src.Hi-src.Lo)
					rec = src.Run.RecordAt(idx)
				}

				attempts++
				st.Attempts++
				if !q.admit(rec, src, rng) {
					remaining++
					continue
				}
				out[accepted] = *rec
				accepted++
			}
			counts[si] = 0
		}

		// Rejection-mode bailout: a fruitless first pass with nothing but
		// the memtable to draw from means the window is empty.
		if firstPass && accepted == 0 && memtableOnly && rejectionMode {
			st.Bailouts++
			return 0
		}
		firstPass = false

		if !capFired && attempts > rejectionCap*q.K {
			st.Bailouts++
			capFired = true
		}
	}

	return accepted
}

func (q *Query) sampleMemtable(rng *rand.Rand) *record.Record {
	if q.Memtable.Candidates != nil {
		idx := q.Memtable.Candidates[rng.IntN(len(q.Memtable.Candidates))]
		return q.Memtable.Mt.RecordAt(idx)
	}
	if q.Memtable.Cutoff == 0 {
		return nil
	}
	return q.Memtable.Mt.RecordAt(rng.IntN(q.Memtable.Cutoff))
}

// admit applies the rejection filter: tombstones, out-of-bounds keys,
// deleted records, and in weighted mode the w/wmax acceptance test.
func (q *Query) admit(rec *record.Record, src *Source, rng *rand.Rand) bool {
	st := q.Stats
	checkStart := time.Now()
	defer func() {
		st.RejectionNanos += time.Since(checkStart).Nanoseconds()
	}()

	switch {
	case rec == nil:
		st.BoundsRejections++
		return false
	case rec.IsTombstone():
		st.TombstoneRejections++
		return false
	case rec.Key < q.Lo || rec.Key > q.Hi:
		st.BoundsRejections++
		return false
	case q.IsDeleted(rec, src.RID):
		st.DeletionRejections++
		return false
	}

	if q.Weighted && src.MaxWeight > 0 {
		if rng.Float64()*src.MaxWeight > float64(rec.Weight) {
			st.WeightRejections++
			return false
		}
	}
	return true
}
