package pipeline

import (
	"math/rand"
	"slices"
)

// Shuffle returns a seeded permutation of items. The input is not modified
// and no process-wide random state is touched, so equal inputs and seeds
// always give equal results.
func Shuffle[T any](items []T, seed int64) []T {
	out := slices.Clone(items)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}

// Sample returns the first k elements of Shuffle(sorted, seed). k <= 0 or
// k >= len(sorted) returns the whole permutation.
func Sample[T any](sorted []T, k int, seed int64) []T {
	shuffled := Shuffle(sorted, seed)
	if k > 0 && k < len(shuffled) {
		shuffled = shuffled[:k]
	}
	return shuffled
}
