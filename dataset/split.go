package dataset

import "math/rand"

// Split partitions row indices 0..n-1 into training and validation sets.
// The validation share is int(n*valFraction), raised to 1 when the fraction is
// positive and n >= 2. With a single row, both sets contain that row.
func Split(n int, valFraction float64, rng *rand.Rand) (train, val []int) {
	perm := rng.Perm(n)
	if n == 1 {
		return perm, perm
	}

	nVal := int(float64(n) * valFraction)
	if valFraction > 0 && nVal == 0 {
		nVal = 1
	}
	if nVal >= n {
		nVal = n - 1
	}
	if nVal == 0 {
		// No held-out rows requested: validate on the training rows
		return perm, perm
	}
	return perm[nVal:], perm[:nVal]
}

// Batches shuffles a copy of idx and cuts it into consecutive batches of at
// most size rows. The last batch may be shorter.
func Batches(idx []int, size int, rng *rand.Rand) [][]int {
	if size < 1 {
		size = 1
	}
	shuffled := make([]int, len(idx))
	copy(shuffled, idx)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	batches := make([][]int, 0, (len(shuffled)+size-1)/size)
	for start := 0; start < len(shuffled); start += size {
		end := start + size
		if end > len(shuffled) {
			end = len(shuffled)
		}
		batches = append(batches, shuffled[start:end])
	}
	return batches
}

// Sequential cuts idx into batches without shuffling.
func Sequential(idx []int, size int) [][]int {
	if size < 1 {
		size = 1
	}
	batches := make([][]int, 0, (len(idx)+size-1)/size)
	for start := 0; start < len(idx); start += size {
		end := start + size
		if end > len(idx) {
			end = len(idx)
		}
		batches = append(batches, idx[start:end])
	}
	return batches
}
