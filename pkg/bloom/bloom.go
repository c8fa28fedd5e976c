// Package bloom implements the membership filter gating tombstone checks.
// False positives occur at a configurable rate; false negatives never.
package bloom

import (
	"encoding/binary"
	"math"
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"

	"github.com/dbrumbaugh/sampling-extension/pkg/types"
)

const (
	minBits     = 64
	maxHashFunc = 10
)

// Filter is a word-packed bloom filter over record keys.
type Filter struct {
	words  []uint64
	nbits  uint64
	hashes int
	seed   uint64
}

// New sizes a filter for expectedElements keys at false-positive rate fpr.
// A non-positive hashCount derives the optimal count from the sizing. The
// rng seeds the hash so independent filters probe independent bit sets.
func New(fpr float64, expectedElements uint64, hashCount int, rng *rand.Rand) *Filter {
	if expectedElements == 0 {
		expectedElements = 1
	}
	if fpr <= 0 || fpr >= 1 {
		fpr = 0.01
	}

	// m = -(n * ln(p)) / (ln(2)^2)
	ln2 := math.Ln2
	nbits := uint64(math.Ceil(-float64(expectedElements) * math.Log(fpr) / (ln2 * ln2)))
	if nbits < minBits {
		nbits = minBits
	}
	nbits = (nbits + 63) &^ 63

	if hashCount <= 0 {
		// k = (m/n) * ln(2)
		hashCount = int(math.Round(float64(nbits) / float64(expectedElements) * ln2))
	}
	if hashCount < 1 {
		hashCount = 1
	}
	if hashCount > maxHashFunc {
		hashCount = maxHashFunc
	}

	var seed uint64 = 0x9e3779b97f4a7c15
	if rng != nil {
		seed = rng.Uint64()
	}

	return &Filter{
		words:  make([]uint64, nbits/64),
		nbits:  nbits,
		hashes: hashCount,
		seed:   seed,
	}
}

// probe derives the base hash and per-probe delta for a key. Double
// hashing: probe i tests bit (h + i*delta) mod nbits.
func (f *Filter) probe(k types.Key) (uint64, uint64) {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(k))
	binary.LittleEndian.PutUint64(buf[8:16], f.seed)
	h := xxhash.Sum64(buf[:])
	delta := h>>17 | h<<47
	return h, delta | 1
}

// Insert adds the key to the filter.
func (f *Filter) Insert(k types.Key) {
	h, delta := f.probe(k)
	for i := 0; i < f.hashes; i++ {
		pos := h % f.nbits
		f.words[pos/64] |= 1 << (pos % 64)
		h += delta
	}
}

// Lookup reports whether the key may have been inserted.
func (f *Filter) Lookup(k types.Key) bool {
	h, delta := f.probe(k)
	for i := 0; i < f.hashes; i++ {
		pos := h % f.nbits
		if f.words[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
		h += delta
	}
	return true
}

// Clear resets the filter to empty.
func (f *Filter) Clear() {
	for i := range f.words {
		f.words[i] = 0
	}
}

// MemoryBytes returns the size of the bit array.
func (f *Filter) MemoryBytes() uint64 {
	return uint64(len(f.words)) * 8
}
