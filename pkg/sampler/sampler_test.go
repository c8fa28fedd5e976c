package sampler

import (
	"math/rand/v2"
	"testing"

	"github.com/dbrumbaugh/sampling-extension/pkg/memtable"
	"github.com/dbrumbaugh/sampling-extension/pkg/record"
	"github.com/dbrumbaugh/sampling-extension/pkg/run"
	"github.com/dbrumbaugh/sampling-extension/pkg/stats"
	"github.com/dbrumbaugh/sampling-extension/pkg/types"
)

func testRNG() *rand.Rand {
	return rand.New(rand.NewPCG(29, 31))
}

func neverDeleted(*record.Record, types.RunID) bool { return false }

func buildRun(t *testing.T, lo, hi int) *run.Run {
	t.Helper()
	mt := memtable.New(hi-lo+1, 1, 0.01, 4, testRNG())
	for i := lo; i <= hi; i++ {
		mt.Append(types.Key(i), types.Value(i), 1, false)
	}
	return run.FromMemtable(mt, run.FilterParams{FPR: 0.01, HashCount: 4}, testRNG())
}

func emptyMemtableView() MemtableView {
	return MemtableView{Mt: memtable.New(1, 1, 0.01, 4, testRNG()), Cutoff: 0}
}

func TestZeroWeightBailout(t *testing.T) {
	st := &stats.Sampler{}
	q := &Query{
		Lo: 0, Hi: 10, K: 5,
		Memtable:  emptyMemtableView(),
		Sources:   []Source{{RID: types.InvalidRunID, Weight: 0}},
		IsDeleted: neverDeleted,
		Stats:     st,
	}

	out := make([]record.Record, 5)
	if n := Sample(q, out, testRNG()); n != 0 {
		t.Fatalf("zero total weight produced %d samples", n)
	}
	if st.Bailouts != 1 {
		t.Fatalf("bailouts = %d, want 1", st.Bailouts)
	}
}

func TestRunSourceBounds(t *testing.T) {
	r := buildRun(t, 0, 99)
	lo, hi := r.LowerBound(30), r.UpperBound(60)

	st := &stats.Sampler{}
	q := &Query{
		Lo: 30, Hi: 60, K: 200,
		Memtable: emptyMemtableView(),
		Sources: []Source{
			{RID: types.InvalidRunID, Weight: 0},
			{RID: types.RunID{Level: 0, Run: 0}, Run: r, Lo: lo, Hi: hi, Weight: float64(hi - lo)},
		},
		IsDeleted: neverDeleted,
		Stats:     st,
	}

	out := make([]record.Record, 200)
	n := Sample(q, out, testRNG())
	if n != 200 {
		t.Fatalf("sampled %d, want 200", n)
	}
	for i := 0; i < n; i++ {
		if out[i].Key < 30 || out[i].Key > 60 {
			t.Fatalf("sample key %d outside [30, 60]", out[i].Key)
		}
	}
	if st.Attempts < 200 {
		t.Fatalf("attempts = %d, want >= 200", st.Attempts)
	}
}

func TestDeletionCheckerRejects(t *testing.T) {
	r := buildRun(t, 0, 9)
	lo, hi := r.LowerBound(0), r.UpperBound(9)

	st := &stats.Sampler{}
	q := &Query{
		Lo: 0, Hi: 9, K: 50,
		Memtable: emptyMemtableView(),
		Sources: []Source{
			{RID: types.InvalidRunID, Weight: 0},
			{RID: types.RunID{Level: 0, Run: 0}, Run: r, Lo: lo, Hi: hi, Weight: float64(hi - lo)},
		},
		// Key 4 is shadowed by a newer tombstone somewhere above.
		IsDeleted: func(rec *record.Record, _ types.RunID) bool {
			return rec.Key == 4
		},
		Stats: st,
	}

	out := make([]record.Record, 50)
	n := Sample(q, out, testRNG())
	if n != 50 {
		t.Fatalf("sampled %d, want 50", n)
	}
	for i := 0; i < n; i++ {
		if out[i].Key == 4 {
			t.Fatal("deleted record admitted")
		}
	}
	if st.DeletionRejections == 0 {
		t.Fatal("deletion rejections not counted")
	}
}

func TestMemtableOnlyEmptyFirstPass(t *testing.T) {
	mt := memtable.New(10, 10, 0.01, 4, testRNG())
	for i := 0; i < 5; i++ {
		mt.Append(types.Key(i), types.Value(i), 1, true)
	}

	st := &stats.Sampler{}
	q := &Query{
		Lo: 0, Hi: 9, K: 5,
		Memtable:  MemtableView{Mt: mt, Cutoff: mt.Cutoff()},
		Sources:   []Source{{RID: types.InvalidRunID, Weight: float64(mt.Cutoff())}},
		IsDeleted: neverDeleted,
		Stats:     st,
	}

	out := make([]record.Record, 5)
	if n := Sample(q, out, testRNG()); n != 0 {
		t.Fatalf("all-tombstone memtable produced %d samples", n)
	}
	if st.Bailouts != 1 {
		t.Fatalf("bailouts = %d, want 1", st.Bailouts)
	}
	if st.TombstoneRejections == 0 {
		t.Fatal("tombstone rejections not counted")
	}
}
