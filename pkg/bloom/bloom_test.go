package bloom

import (
	"math/rand/v2"
	"testing"

	"github.com/dbrumbaugh/sampling-extension/pkg/types"
)

func testRNG() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func TestNoFalseNegatives(t *testing.T) {
	f := New(0.01, 1000, 0, testRNG())

	for i := 0; i < 1000; i++ {
		f.Insert(types.Key(i * 7))
	}
	for i := 0; i < 1000; i++ {
		if !f.Lookup(types.Key(i * 7)) {
			t.Fatalf("false negative for key %d", i*7)
		}
	}
}

func TestFalsePositiveRate(t *testing.T) {
	const fpr = 0.01
	f := New(fpr, 1000, 0, testRNG())

	for i := 0; i < 1000; i++ {
		f.Insert(types.Key(i))
	}

	fp := 0
	const probes = 10000
	for i := 0; i < probes; i++ {
		if f.Lookup(types.Key(1_000_000 + i)) {
			fp++
		}
	}

	// Loose bound: within 5x of the configured rate.
	if float64(fp)/probes > 5*fpr {
		t.Fatalf("false positive rate too high: %d/%d", fp, probes)
	}
}

func TestClear(t *testing.T) {
	f := New(0.01, 100, 0, testRNG())
	for i := 0; i < 100; i++ {
		f.Insert(types.Key(i))
	}

	f.Clear()
	for i := 0; i < 100; i++ {
		if f.Lookup(types.Key(i)) {
			t.Fatalf("key %d survived Clear", i)
		}
	}
}

func TestMemoryBytes(t *testing.T) {
	f := New(0.01, 1000, 0, testRNG())
	if f.MemoryBytes() == 0 {
		t.Fatal("expected a nonzero bit array")
	}
}
