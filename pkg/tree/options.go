package tree

import "errors"

// Policy selects the merge shape for every level of the tree.
type Policy int

const (
	// Tiering keeps up to scale-factor runs per level and merges a whole
	// level into a single new run at its successor.
	Tiering Policy = iota
	// Leveling keeps one run per level and merges incoming runs into it.
	Leveling
)

// DeleteMode selects how deletions are expressed.
type DeleteMode int

const (
	// DeleteTombstone appends a tombstone record that cancels the live
	// record during merges.
	DeleteTombstone DeleteMode = iota
	// DeleteTagging sets a delete bit directly on the live record.
	DeleteTagging
)

const (
	defaultBloomFPR       = 0.01
	defaultBloomHashCount = 4
)

var (
	ErrBadMemtableCap = errors.New("tree: memtable capacity must be positive")
	ErrBadScaleFactor = errors.New("tree: scale factor must be at least 2")
	ErrBadProportion  = errors.New("tree: max tombstone proportion must be positive")
)

// Options configures a tree at construction. The zero value is not
// usable; call Default() and adjust.
type Options struct {
	// MemtableCap is the memtable record capacity C; level i holds
	// C * ScaleFactor^(i+1) records.
	MemtableCap          int
	MemtableTombstoneCap int

	ScaleFactor      int
	MaxTombstoneProp float64

	Policy     Policy
	DeleteMode DeleteMode

	// Weighted enables weight-proportional sampling; unweighted trees
	// force every record weight to 1.
	Weighted bool

	// MemtableRejection samples the memtable uniformly by index and lets
	// the rejection filter discard out-of-range draws; when false, the
	// in-range candidates are materialized at query start.
	MemtableRejection bool

	BloomFPR       float64
	BloomHashCount int

	// MaxRejectionRatio caps sampling attempts at ratio*k before the
	// exhaustion statistic fires. Zero uses the sampler default.
	MaxRejectionRatio int
}

// Default returns a baseline configuration.
func Default() Options {
	return Options{
		MemtableCap:          1 << 14,
		MemtableTombstoneCap: 1 << 12,
		ScaleFactor:          6,
		MaxTombstoneProp:     0.1,
		Policy:               Tiering,
		DeleteMode:           DeleteTombstone,
		MemtableRejection:    true,
		BloomFPR:             defaultBloomFPR,
		BloomHashCount:       defaultBloomHashCount,
	}
}

func (o *Options) validate() error {
	if o.MemtableCap <= 0 {
		return ErrBadMemtableCap
	}
	if o.ScaleFactor < 2 {
		return ErrBadScaleFactor
	}
	if o.MaxTombstoneProp <= 0 {
		return ErrBadProportion
	}
	if o.BloomFPR <= 0 || o.BloomFPR >= 1 {
		o.BloomFPR = defaultBloomFPR
	}
	if o.BloomHashCount <= 0 {
		o.BloomHashCount = defaultBloomHashCount
	}
	return nil
}
