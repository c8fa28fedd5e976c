// Package run implements the immutable sorted run: a contiguous record
// array built from a memtable or by merging other runs, with an ISAM-style
// fanout index for range bounds and a bloom filter gating tombstone
// lookups.
package run

import (
	"errors"
	"math/rand/v2"

	"github.com/dbrumbaugh/sampling-extension/pkg/bloom"
	"github.com/dbrumbaugh/sampling-extension/pkg/memtable"
	"github.com/dbrumbaugh/sampling-extension/pkg/record"
	"github.com/dbrumbaugh/sampling-extension/pkg/types"
)

// NotFound is the sentinel returned by LowerBound and UpperBound when the
// key falls entirely outside the run.
const NotFound = -1

var (
	ErrSortViolation = errors.New("run: input records out of order")
	ErrNoInputs      = errors.New("run: no input runs to merge")
)

// FilterParams sizes the per-run tombstone filter.
type FilterParams struct {
	FPR       float64
	HashCount int
}

// Run is an immutable sorted array of records plus its auxiliary
// structures. All methods are safe for concurrent readers.
type Run struct {
	data []record.Record

	index *isamIndex

	// prefixWeights[i] is the summed weight of data[:i]; the weight of a
	// half-open range [lo, hi) is prefixWeights[hi]-prefixWeights[lo].
	prefixWeights []float64
	maxWeight     float64

	tombstones    int
	deleted       int
	cancellations int

	filter *bloom.Filter
	minKey types.Key
	maxKey types.Key
}

// FromMemtable builds a run from the memtable's sorted view. A live record
// immediately followed by its matching tombstone cancels: both are dropped.
// Surviving tombstones feed the filter.
func FromMemtable(mt *memtable.Memtable, fp FilterParams, rng *rand.Rand) *Run {
	sorted := mt.SortedOutput()
	r := newRun(len(sorted), estimateTombstones(mt.TombstoneCount()), fp, rng)

	for i := 0; i < len(sorted); {
		cur := sorted[i]
		if !cur.IsTombstone() && i+1 < len(sorted) &&
			cur.Matches(&sorted[i+1]) && sorted[i+1].IsTombstone() {
			i += 2
			r.cancellations++
			continue
		}
		cur.Header &= record.FlagMask
		r.push(cur)
		i++
	}

	r.finish()
	return r
}

func estimateTombstones(n int) uint64 {
	if n < 1 {
		return 1
	}
	return uint64(n)
}

func newRun(capHint int, tombstoneHint uint64, fp FilterParams, rng *rand.Rand) *Run {
	return &Run{
		data:   make([]record.Record, 0, capHint),
		filter: bloom.New(fp.FPR, tombstoneHint, fp.HashCount, rng),
	}
}

// push appends rec, maintaining counters and the filter. Records must
// arrive in comparator order.
func (r *Run) push(rec record.Record) {
	r.data = append(r.data, rec)
	if rec.IsTombstone() {
		r.tombstones++
		r.filter.Insert(rec.Key)
	}
	if rec.IsDeleted() {
		r.deleted++
	}
}

// finish builds the prefix weights, bounds and the internal index once all
// records are in place.
func (r *Run) finish() {
	n := len(r.data)
	r.prefixWeights = make([]float64, n+1)
	for i := 0; i < n; i++ {
		w := float64(r.data[i].Weight)
		r.prefixWeights[i+1] = r.prefixWeights[i] + w
		if w > r.maxWeight {
			r.maxWeight = w
		}
	}
	if n > 0 {
		r.minKey = r.data[0].Key
		r.maxKey = r.data[n-1].Key
		r.index = buildISAM(r.data)
	}
}

func (r *Run) RecordCount() int {
	return len(r.data)
}

func (r *Run) TombstoneCount() int {
	return r.tombstones
}

// DeletedCount returns the number of delete-tagged records.
func (r *Run) DeletedCount() int {
	return r.deleted
}

// Cancellations returns the number of (record, tombstone) pairs dropped
// during construction.
func (r *Run) Cancellations() int {
	return r.cancellations
}

func (r *Run) MinKey() types.Key {
	return r.minKey
}

func (r *Run) MaxKey() types.Key {
	return r.maxKey
}

// TotalWeight returns the summed weight of all records.
func (r *Run) TotalWeight() float64 {
	return r.prefixWeights[len(r.data)]
}

// RangeWeight returns the summed weight of the half-open range [lo, hi).
func (r *Run) RangeWeight(lo, hi int) float64 {
	return r.prefixWeights[hi] - r.prefixWeights[lo]
}

// MaxRecordWeight returns the largest single-record weight, the acceptance
// bound for weighted rejection sampling.
func (r *Run) MaxRecordWeight() float64 {
	return r.maxWeight
}

// RecordAt returns the record at index i, or nil when out of range.
func (r *Run) RecordAt(i int) *record.Record {
	if i < 0 || i >= len(r.data) {
		return nil
	}
	return &r.data[i]
}

// LowerBound returns the first index whose key is >= k, or NotFound when
// k lies beyond the run's maximum key.
func (r *Run) LowerBound(k types.Key) int {
	if len(r.data) == 0 || k > r.maxKey {
		return NotFound
	}
	pos := r.index.descendLower(k)
	for pos < len(r.data) && r.data[pos].Key < k {
		pos++
	}
	return pos
}

// UpperBound returns the first index whose key is > k, or NotFound when
// k lies below the run's minimum key.
func (r *Run) UpperBound(k types.Key) int {
	if len(r.data) == 0 || k < r.minKey {
		return NotFound
	}
	pos := r.index.descendUpper(k)
	for pos < len(r.data) && r.data[pos].Key <= k {
		pos++
	}
	return pos
}

// TombstoneExists reports whether the run holds a tombstone for (k, v).
// The filter gates the index scan, so absent keys answer without touching
// the data.
func (r *Run) TombstoneExists(k types.Key, v types.Value) bool {
	if r.tombstones == 0 || !r.filter.Lookup(k) {
		return false
	}
	idx := r.LowerBound(k)
	if idx == NotFound {
		return false
	}
	for ; idx < len(r.data); idx++ {
		rec := &r.data[idx]
		if rec.Key != k {
			return false
		}
		if rec.Value == v && rec.IsTombstone() {
			return true
		}
		if rec.Value > v {
			return false
		}
	}
	return false
}

// Get returns the first live record with key k, or nil.
func (r *Run) Get(k types.Key) *record.Record {
	idx := r.LowerBound(k)
	if idx == NotFound {
		return nil
	}
	for ; idx < len(r.data); idx++ {
		rec := &r.data[idx]
		if rec.Key != k {
			return nil
		}
		if !rec.IsTombstone() {
			return rec
		}
	}
	return nil
}

// GetTombstone returns the tombstone for (k, v), or nil. The filter
// answers the common miss without touching the data.
func (r *Run) GetTombstone(k types.Key, v types.Value) *record.Record {
	if r.tombstones == 0 || !r.filter.Lookup(k) {
		return nil
	}
	idx := r.LowerBound(k)
	if idx == NotFound {
		return nil
	}
	for ; idx < len(r.data); idx++ {
		rec := &r.data[idx]
		if rec.Key != k || rec.Value > v {
			return nil
		}
		if rec.Value == v && rec.IsTombstone() {
			return rec
		}
	}
	return nil
}

// DeleteRecord finds the live record matching (k, v) and sets its delete
// tag. Only used by the delete-tagging variant.
func (r *Run) DeleteRecord(k types.Key, v types.Value) bool {
	idx := r.LowerBound(k)
	if idx == NotFound {
		return false
	}
	for ; idx < len(r.data); idx++ {
		rec := &r.data[idx]
		if rec.Key != k || rec.Value > v {
			return false
		}
		if rec.MatchesKV(k, v) && !rec.IsTombstone() {
			if rec.IsDeleted() {
				return false
			}
			rec.SetDeleted()
			r.deleted++
			return true
		}
	}
	return false
}

// MemoryBytes returns the size of the record array.
func (r *Run) MemoryBytes() uint64 {
	return uint64(len(r.data)) * record.Size
}

// AuxMemoryBytes returns the size of the index, filter and weight table.
func (r *Run) AuxMemoryBytes() uint64 {
	n := r.filter.MemoryBytes() + uint64(len(r.prefixWeights))*8
	if r.index != nil {
		n += r.index.memoryBytes()
	}
	return n
}
