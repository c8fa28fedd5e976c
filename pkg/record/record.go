package record

import (
	"encoding/binary"
	"math"

	"github.com/dbrumbaugh/sampling-extension/pkg/types"
)

// Size is the encoded record width in bytes. Run files are plain arrays of
// Size-byte records, so the sampler can address any record by offset.
const Size = 32

const (
	headerTombstone = uint64(1) << 0
	headerDeleteTag = uint64(1) << 1

	// Remaining header bits carry the record's reservation slot inside the
	// memtable that produced it, used as a tie-breaker between otherwise
	// identical records. Run construction masks the position off.
	headerPosShift = 2

	// FlagMask keeps only the tombstone and delete-tag bits.
	FlagMask = headerTombstone | headerDeleteTag
)

// Record is the fixed-width tuple stored in memtables and runs.
type Record struct {
	Key    types.Key
	Value  types.Value
	Weight types.Weight
	Header uint64
}

// New builds a live or tombstone record with weight w.
func New(k types.Key, v types.Value, w types.Weight, tombstone bool) Record {
	r := Record{Key: k, Value: v, Weight: w}
	if tombstone {
		r.Header |= headerTombstone
	}
	return r
}

func (r *Record) IsTombstone() bool {
	return r.Header&headerTombstone != 0
}

func (r *Record) IsDeleted() bool {
	return r.Header&headerDeleteTag != 0
}

// SetDeleted marks the record as deleted in the tagging delete mode.
func (r *Record) SetDeleted() {
	r.Header |= headerDeleteTag
}

// Pos returns the within-memtable position stored in the header.
func (r *Record) Pos() uint64 {
	return r.Header >> headerPosShift
}

// SetPos stores the within-memtable position in the header.
func (r *Record) SetPos(p uint64) {
	r.Header = r.Header&FlagMask | p<<headerPosShift
}

// Matches reports key and value equality, ignoring header flags. This is
// the predicate pairing a tombstone with the record it cancels.
func (r *Record) Matches(o *Record) bool {
	return r.Key == o.Key && r.Value == o.Value
}

// MatchesKV is Matches against a bare key/value pair.
func (r *Record) MatchesKV(k types.Key, v types.Value) bool {
	return r.Key == k && r.Value == v
}

// Less orders by (key, value) only, leaving records and their tombstones
// adjacent.
func (r *Record) Less(k types.Key, v types.Value) bool {
	if r.Key != k {
		return r.Key < k
	}
	return r.Value < v
}

// Compare is the total order on records: key, then value, then the
// tombstone flag, with a live record sorting before the tombstone that
// cancels it.
func Compare(a, b *Record) int {
	switch {
	case a.Key < b.Key:
		return -1
	case a.Key > b.Key:
		return 1
	}
	switch {
	case a.Value < b.Value:
		return -1
	case a.Value > b.Value:
		return 1
	}
	af, bf := a.Header&headerTombstone, b.Header&headerTombstone
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	}
	return 0
}

// CompareWithPos extends Compare with the header position tie-breaker,
// giving the memtable sort a deterministic total order.
func CompareWithPos(a, b *Record) int {
	if c := Compare(a, b); c != 0 {
		return c
	}
	switch ap, bp := a.Pos(), b.Pos(); {
	case ap < bp:
		return -1
	case ap > bp:
		return 1
	}
	return 0
}

// EncodeTo writes the record into b, which must hold at least Size bytes.
func (r *Record) EncodeTo(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], uint64(r.Key))
	binary.LittleEndian.PutUint64(b[8:16], uint64(r.Value))
	binary.LittleEndian.PutUint64(b[16:24], math.Float64bits(float64(r.Weight)))
	binary.LittleEndian.PutUint64(b[24:32], r.Header)
}

// DecodeFrom reads the record from b, which must hold at least Size bytes.
func (r *Record) DecodeFrom(b []byte) {
	r.Key = types.Key(binary.LittleEndian.Uint64(b[0:8]))
	r.Value = types.Value(binary.LittleEndian.Uint64(b[8:16]))
	r.Weight = types.Weight(math.Float64frombits(binary.LittleEndian.Uint64(b[16:24])))
	r.Header = binary.LittleEndian.Uint64(b[24:32])
}
