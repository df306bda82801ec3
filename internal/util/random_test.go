package util

import (
	"math/rand/v2"
	"testing"
)

func TestWeightedIndexDistribution(t *testing.T) {
	weights := []int{0, 100}
	rng := rand.New(rand.NewPCG(1, 1))
	for i := 0; i < 50; i++ {
		if idx := WeightedIndex(weights, rng); idx != 1 {
			t.Fatalf("expected zero-weight choice to never be picked, got index %d", idx)
		}
	}
}

func TestWeightedIndexZeroTotal(t *testing.T) {
	if idx := WeightedIndex([]int{0, 0}, nil); idx != 0 {
		t.Errorf("expected fallback index 0 for zero total, got %d", idx)
	}
}

func TestPickWeightedDeterministic(t *testing.T) {
	seed := int64(42)
	first, err := PickWeighted([]int{50, 30, 20}, &seed)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := PickWeighted([]int{50, 30, 20}, &seed)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if again != first {
			t.Fatalf("expected seeded pick to be deterministic, got %d then %d", first, again)
		}
	}
}

func TestPickWeightedValidation(t *testing.T) {
	if _, err := PickWeighted([]int{50, 40}, nil); err == nil {
		t.Error("expected error for weights not summing to 100")
	}
	if _, err := PickWeighted([]int{-10, 110}, nil); err == nil {
		t.Error("expected error for negative weight")
	}
	if _, err := PickWeighted([]int{100}, nil); err != nil {
		t.Errorf("expected single full-weight choice to be valid, got %v", err)
	}
}
