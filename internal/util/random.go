// Package util provides utility functions for the RelayDesk application.
package util

import (
	"fmt"
	"math/rand/v2"
)

// WeightedIndex picks an index from weights proportionally to their values.
// A nil rng uses the shared math/rand/v2 source.
func WeightedIndex(weights []int, rng *rand.Rand) int {
	total := 0
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return 0
	}
	var roll int
	if rng != nil {
		roll = rng.IntN(total)
	} else {
		roll = rand.IntN(total)
	}
	for i, w := range weights {
		roll -= w
		if roll < 0 {
			return i
		}
	}
	return len(weights) - 1
}

// PickWeighted validates that weights sum to 100 and picks one index.
// A non-nil seed yields a deterministic pick.
func PickWeighted(weights []int, seed *int64) (int, error) {
	total := 0
	for _, w := range weights {
		if w < 0 {
			return 0, fmt.Errorf("negative weight %d", w)
		}
		total += w
	}
	if total != 100 {
		return 0, fmt.Errorf("weights must sum to 100, got %d", total)
	}
	var rng *rand.Rand
	if seed != nil {
		rng = rand.New(rand.NewPCG(uint64(*seed), uint64(*seed)))
	}
	return WeightedIndex(weights, rng), nil
}
