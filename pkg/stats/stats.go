// Package stats collects sampling counters. Each sampler goroutine owns a
// private accumulator registered in a concurrent map, so the hot loop
// never contends; aggregation walks the map for an approximate read view.
package stats

import (
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
)

// Sampler accumulates one handle's sampling counters. A handle belongs to
// a single goroutine, so the fields are plain; the aggregate view reads
// them racily and is documented as approximate.
type Sampler struct {
	Attempts            uint64
	TombstoneRejections uint64
	BoundsRejections    uint64
	DeletionRejections  uint64
	WeightRejections    uint64
	Bailouts            uint64

	SampleRangeNanos int64
	AliasNanos       int64
	DrawNanos        int64
	RejectionNanos   int64
}

func (s *Sampler) add(o *Sampler) {
	s.Attempts += o.Attempts
	s.TombstoneRejections += o.TombstoneRejections
	s.BoundsRejections += o.BoundsRejections
	s.DeletionRejections += o.DeletionRejections
	s.WeightRejections += o.WeightRejections
	s.Bailouts += o.Bailouts
	s.SampleRangeNanos += o.SampleRangeNanos
	s.AliasNanos += o.AliasNanos
	s.DrawNanos += o.DrawNanos
	s.RejectionNanos += o.RejectionNanos
}

// Rejections returns the total rejection count across all kinds.
func (s *Sampler) Rejections() uint64 {
	return s.TombstoneRejections + s.BoundsRejections + s.DeletionRejections + s.WeightRejections
}

// Registry hands out per-goroutine accumulators and aggregates them.
type Registry struct {
	handles *skipmap.Uint64Map[*Sampler]
	next    atomic.Uint64

	mu   sync.Mutex
	free []*Sampler
}

func NewRegistry() *Registry {
	return &Registry{handles: skipmap.NewUint64[*Sampler]()}
}

// Handle registers and returns a fresh accumulator. The caller keeps it
// for the lifetime of its sampling goroutine.
func (r *Registry) Handle() *Sampler {
	s := &Sampler{}
	r.handles.Store(r.next.Add(1), s)
	return s
}

// Acquire reuses a released accumulator or registers a new one. Acquired
// accumulators keep counting toward the aggregate after Release, so
// per-query usage does not grow the registry unboundedly.
func (r *Registry) Acquire() *Sampler {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.free); n > 0 {
		s := r.free[n-1]
		r.free = r.free[:n-1]
		return s
	}
	return r.Handle()
}

// Release returns an accumulator to the free list.
func (r *Registry) Release(s *Sampler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.free = append(r.free, s)
}

// Aggregate sums all registered accumulators. The counters are written
// without synchronization by their owners, so the result is a close
// approximation while sampling is in flight and exact once it is not.
func (r *Registry) Aggregate() Sampler {
	var total Sampler
	r.handles.Range(func(_ uint64, s *Sampler) bool {
		total.add(s)
		return true
	})
	return total
}
