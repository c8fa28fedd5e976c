package alias

import (
	"math"
	"math/rand/v2"
	"testing"
)

func testRNG() *rand.Rand {
	return rand.New(rand.NewPCG(7, 13))
}

func TestErrors(t *testing.T) {
	if _, err := New(nil); err != ErrNoWeights {
		t.Fatalf("expected ErrNoWeights, got %v", err)
	}
	if _, err := New([]float64{1, -1}); err != ErrNegativeWeight {
		t.Fatalf("expected ErrNegativeWeight, got %v", err)
	}
	if _, err := New([]float64{0, 0}); err != ErrNoPositiveTotal {
		t.Fatalf("expected ErrNoPositiveTotal, got %v", err)
	}
}

func TestDrawFrequencies(t *testing.T) {
	weights := []float64{1, 2, 3, 4}
	a, err := New(weights)
	if err != nil {
		t.Fatal(err)
	}

	rng := testRNG()
	const draws = 200000
	counts := make([]int, len(weights))
	for i := 0; i < draws; i++ {
		counts[a.Draw(rng)]++
	}

	var total float64
	for _, w := range weights {
		total += w
	}
	for i, w := range weights {
		want := w / total
		got := float64(counts[i]) / draws
		// Binomial 4-sigma tolerance.
		sigma := math.Sqrt(want * (1 - want) / draws)
		if math.Abs(got-want) > 4*sigma {
			t.Fatalf("index %d: frequency %.4f, want %.4f +- %.4f", i, got, want, 4*sigma)
		}
	}
}

func TestZeroWeightsNeverDrawn(t *testing.T) {
	a, err := New([]float64{0, 5, 0, 1, 0})
	if err != nil {
		t.Fatal(err)
	}

	rng := testRNG()
	for i := 0; i < 100000; i++ {
		switch a.Draw(rng) {
		case 0, 2, 4:
			t.Fatal("drew a zero-weight entry")
		}
	}
}

func TestSingleEntry(t *testing.T) {
	a, err := New([]float64{3.5})
	if err != nil {
		t.Fatal(err)
	}
	rng := testRNG()
	for i := 0; i < 100; i++ {
		if a.Draw(rng) != 0 {
			t.Fatal("single-entry alias must always return 0")
		}
	}
}
