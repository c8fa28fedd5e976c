// Package memtable implements the bounded, append-only mutable buffer at
// the head of the tree. One writer appends; samplers read the committed
// prefix concurrently under a pin that blocks truncation.
package memtable

import (
	"math"
	"math/rand/v2"
	"slices"
	"sync/atomic"

	"github.com/zhangyunhao116/skipset"

	"github.com/dbrumbaugh/sampling-extension/pkg/bloom"
	"github.com/dbrumbaugh/sampling-extension/pkg/record"
	"github.com/dbrumbaugh/sampling-extension/pkg/types"
)

// tombstonePair identifies an exact (key, value) tombstone in the cache.
type tombstonePair struct {
	key types.Key
	val types.Value
}

func pairLess(a, b tombstonePair) bool {
	if a.key != b.key {
		return a.key < b.key
	}
	return a.val < b.val
}

// Memtable is a fixed-capacity record buffer. Writers reserve a slot by
// advancing the tail counter, format the record in place, then publish it
// by advancing the committed counter. Samplers read the committed counter
// once per query (the cutoff) and may read any slot below it.
type Memtable struct {
	cap          int
	tombstoneCap int

	data []record.Record

	tail       atomic.Int64
	committed  atomic.Int64
	tombstones atomic.Int64
	weightBits atomic.Uint64
	pins       atomic.Int64

	filter *bloom.Filter
	cache  atomic.Pointer[skipset.FuncSet[tombstonePair]]
}

// New creates a memtable with the given record and tombstone capacities.
// The rng seeds the tombstone filter; it is only consulted when
// tombstoneCap > 0.
func New(capacity, tombstoneCap int, fpr float64, hashCount int, rng *rand.Rand) *Memtable {
	mt := &Memtable{
		cap:          capacity,
		tombstoneCap: tombstoneCap,
		data:         make([]record.Record, capacity),
	}
	if tombstoneCap > 0 {
		mt.filter = bloom.New(fpr, uint64(tombstoneCap), hashCount, rng)
	}
	mt.cache.Store(skipset.NewFunc(pairLess))
	return mt
}

// Append reserves a slot and publishes the record. It returns false when
// the buffer is full, or when a tombstone would exceed the tombstone
// budget; the caller is expected to flush and retry.
func (mt *Memtable) Append(k types.Key, v types.Value, w types.Weight, isTombstone bool) bool {
	if isTombstone && mt.tombstones.Load()+1 > int64(mt.tombstoneCap) {
		return false
	}

	pos := mt.tail.Add(1) - 1
	if pos >= int64(mt.cap) {
		return false
	}

	rec := record.New(k, v, w, isTombstone)
	rec.SetPos(uint64(pos))
	mt.data[pos] = rec

	if isTombstone {
		mt.tombstones.Add(1)
		if mt.filter != nil {
			mt.filter.Insert(k)
		}
		mt.cache.Load().Add(tombstonePair{key: k, val: v})
	}
	mt.addWeight(float64(w))

	// Publish: samplers only read below the committed counter, so the
	// record must be fully formatted before this store.
	mt.committed.Store(pos + 1)
	return true
}

func (mt *Memtable) addWeight(w float64) {
	for {
		old := mt.weightBits.Load()
		next := math.Float64bits(math.Float64frombits(old) + w)
		if mt.weightBits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (mt *Memtable) IsFull() bool {
	return mt.committed.Load() >= int64(mt.cap)
}

func (mt *Memtable) RecordCount() int {
	return int(mt.committed.Load())
}

func (mt *Memtable) TombstoneCount() int {
	return int(mt.tombstones.Load())
}

func (mt *Memtable) Capacity() int {
	return mt.cap
}

func (mt *Memtable) TombstoneCapacity() int {
	return mt.tombstoneCap
}

func (mt *Memtable) TotalWeight() float64 {
	return math.Float64frombits(mt.weightBits.Load())
}

// Cutoff returns the committed prefix length. Every slot below the cutoff
// holds a fully formatted record.
func (mt *Memtable) Cutoff() int {
	return int(mt.committed.Load())
}

// RecordAt returns the record at index i, which must be below a cutoff
// observed by the caller.
func (mt *Memtable) RecordAt(i int) *record.Record {
	return &mt.data[i]
}

// SortedOutput returns a stable sorted copy of the committed records,
// ordered by the record comparator with the reservation position breaking
// ties.
func (mt *Memtable) SortedOutput() []record.Record {
	n := mt.Cutoff()
	out := make([]record.Record, n)
	copy(out, mt.data[:n])
	slices.SortFunc(out, func(a, b record.Record) int {
		return record.CompareWithPos(&a, &b)
	})
	return out
}

// CheckTombstone reports whether a tombstone with exactly this key and
// value has been committed. The bloom filter gates the exact cache, so
// false negatives cannot occur.
func (mt *Memtable) CheckTombstone(k types.Key, v types.Value) bool {
	if mt.filter != nil && !mt.filter.Lookup(k) {
		return false
	}
	return mt.cache.Load().Contains(tombstonePair{key: k, val: v})
}

// SampleRange collects the committed in-range candidate indices for
// non-rejection sampling and returns their total weight (the record count
// in unweighted mode, since every weight is 1).
func (mt *Memtable) SampleRange(lo, hi types.Key) (indices []int, weight float64) {
	cutoff := mt.Cutoff()
	for i := 0; i < cutoff; i++ {
		rec := &mt.data[i]
		if rec.Key >= lo && rec.Key <= hi {
			indices = append(indices, i)
			weight += float64(rec.Weight)
		}
	}
	return indices, weight
}

// DeleteRecord sets the delete tag on a committed record matching (k, v).
// Only meaningful in the delete-tagging variant.
func (mt *Memtable) DeleteRecord(k types.Key, v types.Value) bool {
	cutoff := mt.Cutoff()
	for i := 0; i < cutoff; i++ {
		rec := &mt.data[i]
		if rec.MatchesKV(k, v) && !rec.IsTombstone() && !rec.IsDeleted() {
			rec.SetDeleted()
			return true
		}
	}
	return false
}

// Pin blocks truncation until the matching Unpin. Samplers pin for the
// duration of a query so the cutoff protocol stays sound.
func (mt *Memtable) Pin() {
	mt.pins.Add(1)
}

func (mt *Memtable) Unpin() {
	mt.pins.Add(-1)
}

// Truncate resets the buffer after a flush. It fails while any sampler
// holds a pin.
func (mt *Memtable) Truncate() bool {
	if mt.pins.Load() > 0 {
		return false
	}
	mt.committed.Store(0)
	mt.tail.Store(0)
	mt.tombstones.Store(0)
	mt.weightBits.Store(0)
	if mt.filter != nil {
		mt.filter.Clear()
	}
	mt.cache.Store(skipset.NewFunc(pairLess))
	return true
}

// MemoryBytes returns the size of the record buffer.
func (mt *Memtable) MemoryBytes() uint64 {
	return uint64(mt.cap) * record.Size
}

// AuxMemoryBytes returns the size of the tombstone bookkeeping structures.
func (mt *Memtable) AuxMemoryBytes() uint64 {
	var n uint64
	if mt.filter != nil {
		n += mt.filter.MemoryBytes()
	}
	return n
}
