package run

import (
	"container/heap"
	"math/rand/v2"

	"github.com/dbrumbaugh/sampling-extension/pkg/record"
)

// mergeEntry is one cursor head inside the merge queue. src breaks ties so
// the queue is a strict total order (one entry per source).
type mergeEntry struct {
	rec *record.Record
	src int
}

type mergeHeap []mergeEntry

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := record.Compare(h[i].rec, h[j].rec); c != 0 {
		return c < 0
	}
	return h[i].src < h[j].src
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(mergeEntry)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// peekSecond returns the second-smallest entry without disturbing the
// heap, or nil when fewer than two entries remain.
func (h mergeHeap) peekSecond() *mergeEntry {
	switch {
	case len(h) < 2:
		return nil
	case len(h) == 2 || h.Less(1, 2):
		return &h[1]
	default:
		return &h[2]
	}
}

// Merge builds a run by k-way merging the inputs on the record comparator.
// When the smallest entry is a live record and the next entry is its
// matching tombstone, both are dropped and both cursors advance; this is
// the cross-run cancellation that keeps merged runs tombstone-minimal.
// Nil inputs are skipped. Returns ErrSortViolation if an input produces
// records out of order.
func Merge(inputs []*Run, fp FilterParams, rng *rand.Rand) (*Run, error) {
	cursors := make([]int, len(inputs))
	h := make(mergeHeap, 0, len(inputs))

	total := 0
	tombstoneHint := 0
	live := 0
	for i, in := range inputs {
		if in == nil || in.RecordCount() == 0 {
			continue
		}
		h = append(h, mergeEntry{rec: in.RecordAt(0), src: i})
		cursors[i] = 1
		total += in.RecordCount()
		tombstoneHint += in.TombstoneCount()
		live++
	}
	if live == 0 {
		return nil, ErrNoInputs
	}
	heap.Init(&h)

	out := newRun(total, estimateTombstones(tombstoneHint), fp, rng)
	out.cancellations = 0

	advance := func(src int) {
		in := inputs[src]
		if cursors[src] < in.RecordCount() {
			heap.Push(&h, mergeEntry{rec: in.RecordAt(cursors[src]), src: src})
			cursors[src]++
		}
	}

	var last *record.Record
	for h.Len() > 0 {
		now := h[0]
		if next := h.peekSecond(); next != nil &&
			!now.rec.IsTombstone() && now.rec.Matches(next.rec) && next.rec.IsTombstone() {
			// After popping the minimum, the old second-smallest entry is
			// the new root.
			heap.Pop(&h)
			second := heap.Pop(&h).(mergeEntry)
			advance(now.src)
			advance(second.src)
			out.cancellations++
			continue
		}

		if last != nil && record.Compare(last, now.rec) > 0 {
			return nil, ErrSortViolation
		}

		rec := *now.rec
		rec.Header &= record.FlagMask
		out.push(rec)
		last = out.RecordAt(out.RecordCount() - 1)

		heap.Pop(&h)
		advance(now.src)
	}

	out.finish()
	return out, nil
}
