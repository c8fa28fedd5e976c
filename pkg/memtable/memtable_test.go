package memtable

import (
	"math/rand/v2"
	"testing"

	"github.com/dbrumbaugh/sampling-extension/pkg/record"
	"github.com/dbrumbaugh/sampling-extension/pkg/types"
)

func testRNG() *rand.Rand {
	return rand.New(rand.NewPCG(3, 5))
}

func newTestMemtable(capacity, tombstoneCap int) *Memtable {
	return New(capacity, tombstoneCap, 0.01, 4, testRNG())
}

func TestAppendAndCapacity(t *testing.T) {
	mt := newTestMemtable(10, 10)

	for i := 0; i < 10; i++ {
		if !mt.Append(types.Key(i), types.Value(i), 1, false) {
			t.Fatalf("append %d failed below capacity", i)
		}
	}
	if !mt.IsFull() {
		t.Fatal("memtable should be full")
	}
	if mt.Append(11, 11, 1, false) {
		t.Fatal("append beyond capacity must fail")
	}
	if mt.RecordCount() != 10 {
		t.Fatalf("record count = %d, want 10", mt.RecordCount())
	}
}

func TestTombstoneBudget(t *testing.T) {
	mt := newTestMemtable(10, 2)

	if !mt.Append(1, 1, 1, true) || !mt.Append(2, 2, 1, true) {
		t.Fatal("tombstones under budget must append")
	}
	if mt.Append(3, 3, 1, true) {
		t.Fatal("tombstone beyond budget must fail")
	}
	if mt.TombstoneCount() != 2 {
		t.Fatalf("tombstone count = %d, want 2", mt.TombstoneCount())
	}
	// Live records are unaffected by the tombstone budget.
	if !mt.Append(4, 4, 1, false) {
		t.Fatal("live append should succeed")
	}
}

func TestCheckTombstone(t *testing.T) {
	mt := newTestMemtable(10, 5)

	mt.Append(1, 10, 1, false)
	mt.Append(2, 20, 1, true)

	if !mt.CheckTombstone(2, 20) {
		t.Fatal("committed tombstone not found")
	}
	if mt.CheckTombstone(2, 21) {
		t.Fatal("value must participate in the match")
	}
	if mt.CheckTombstone(1, 10) {
		t.Fatal("live record reported as tombstone")
	}
}

func TestSortedOutput(t *testing.T) {
	mt := newTestMemtable(16, 4)

	keys := []types.Key{9, 3, 7, 3, 1}
	for _, k := range keys {
		mt.Append(k, types.Value(k), 1, false)
	}

	sorted := mt.SortedOutput()
	if len(sorted) != len(keys) {
		t.Fatalf("sorted view has %d records, want %d", len(sorted), len(keys))
	}
	for i := 1; i < len(sorted); i++ {
		if record.CompareWithPos(&sorted[i-1], &sorted[i]) > 0 {
			t.Fatalf("sorted view out of order at %d", i)
		}
	}

	// Duplicate keys keep their append order via the position bits.
	if sorted[1].Key != 3 || sorted[2].Key != 3 || sorted[1].Pos() > sorted[2].Pos() {
		t.Fatal("duplicate keys must preserve append order")
	}
}

func TestRecordTombstoneAdjacency(t *testing.T) {
	mt := newTestMemtable(16, 4)
	mt.Append(5, 5, 1, false)
	mt.Append(5, 5, 1, true)

	sorted := mt.SortedOutput()
	if sorted[0].IsTombstone() || !sorted[1].IsTombstone() {
		t.Fatal("record must immediately precede its matching tombstone")
	}
}

func TestSampleRange(t *testing.T) {
	mt := newTestMemtable(100, 10)
	for i := 0; i < 50; i++ {
		mt.Append(types.Key(i), types.Value(i), 1, false)
	}

	indices, weight := mt.SampleRange(10, 19)
	if len(indices) != 10 {
		t.Fatalf("candidates = %d, want 10", len(indices))
	}
	if weight != 10 {
		t.Fatalf("weight = %f, want 10", weight)
	}
	for _, idx := range indices {
		if k := mt.RecordAt(idx).Key; k < 10 || k > 19 {
			t.Fatalf("candidate key %d outside range", k)
		}
	}
}

func TestTruncateRespectsPins(t *testing.T) {
	mt := newTestMemtable(10, 5)
	mt.Append(1, 1, 1, false)
	mt.Append(2, 2, 1, true)

	mt.Pin()
	if mt.Truncate() {
		t.Fatal("truncate must fail while pinned")
	}
	mt.Unpin()

	if !mt.Truncate() {
		t.Fatal("truncate must succeed once unpinned")
	}
	if mt.RecordCount() != 0 || mt.TombstoneCount() != 0 || mt.TotalWeight() != 0 {
		t.Fatal("truncate left residual state")
	}
	if mt.CheckTombstone(2, 2) {
		t.Fatal("tombstone cache survived truncate")
	}
	if !mt.Append(3, 3, 1, false) {
		t.Fatal("append after truncate failed")
	}
}

func TestDeleteRecordTagging(t *testing.T) {
	mt := newTestMemtable(10, 5)
	mt.Append(1, 1, 1, false)

	if !mt.DeleteRecord(1, 1) {
		t.Fatal("delete of existing record failed")
	}
	if !mt.RecordAt(0).IsDeleted() {
		t.Fatal("delete tag not set")
	}
	if mt.DeleteRecord(1, 1) {
		t.Fatal("second delete must fail")
	}
	if mt.DeleteRecord(9, 9) {
		t.Fatal("delete of absent record must fail")
	}
}

func TestCutoffVisibility(t *testing.T) {
	mt := newTestMemtable(10, 5)
	mt.Append(1, 1, 1, false)
	cut := mt.Cutoff()
	mt.Append(2, 2, 1, false)

	if cut != 1 {
		t.Fatalf("cutoff = %d, want 1", cut)
	}
	if mt.Cutoff() != 2 {
		t.Fatalf("cutoff after second append = %d, want 2", mt.Cutoff())
	}
}
