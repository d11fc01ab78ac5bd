package budget

import (
	"math"
	"math/rand/v2"
)

// SampleSize returns ceil(n*rate) clamped to [0, n].
func SampleSize(n int, rate float64) int {
	if n <= 0 || rate <= 0 {
		return 0
	}
	if rate >= 1 {
		return n
	}
	k := int(math.Ceil(float64(n) * rate))
	if k > n {
		k = n
	}
	return k
}

// Reservoir draws exactly SampleSize(len(items), rate) items uniformly at random using
// reservoir sampling. Input order is not preserved.
func Reservoir[T any](items []T, rate float64, rng *rand.Rand) []T {
	k := SampleSize(len(items), rate)
	if k == len(items) {
		return append([]T(nil), items...)
	}
	if k == 0 {
		return nil
	}
	out := append([]T(nil), items[:k]...)
	for i := k; i < len(items); i++ {
		// Slot j is replaced with probability k/(i+1).
		j := rng.IntN(i + 1)
		if j < k {
			out[j] = items[i]
		}
	}
	return out
}
