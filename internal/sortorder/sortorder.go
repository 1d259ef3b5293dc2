// Package sortorder allocates fractional sort keys inside a quadrant.
//
// Keys are float64 values spaced Gap apart. Inserting between two neighbors
// takes the midpoint, so a reorder writes exactly one record. Repeated
// midpoint inserts at the same spot halve the gap each time; once the gap
// drops below MinGap the partition is renormalized back to Gap spacing.
package sortorder

import "slices"

const (
	// Gap is the spacing of keys at the ends of a list and after renormalizing.
	Gap = 1000.0

	// MinGap is the smallest neighbor distance tolerated before renormalizing.
	MinGap = 1e-6
)

// Between returns a key that sorts strictly between before and after.
// A nil bound means the insert happens at that end of the list; both nil
// means the list is empty.
func Between(before, after *float64) float64 {
	switch {
	case before == nil && after == nil:
		return Gap
	case before == nil:
		return *after - Gap
	case after == nil:
		return *before + Gap
	default:
		return (*before + *after) / 2
	}
}

// AtIndex returns the key for dropping an item at index of the sorted keys.
// Indexes past the end append.
func AtIndex(orders []float64, index int) float64 {
	var before, after *float64
	if index > 0 && index-1 < len(orders) {
		before = &orders[index-1]
	}
	if index >= len(orders) && len(orders) > 0 {
		before = &orders[len(orders)-1]
	}
	if index >= 0 && index < len(orders) {
		after = &orders[index]
	}
	return Between(before, after)
}

// NeedsRenormalize reports whether any two neighbors of the sorted keys are
// closer than minGap.
func NeedsRenormalize(orders []float64, minGap float64) bool {
	sorted := slices.Clone(orders)
	slices.Sort(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i]-sorted[i-1] < minGap {
			return true
		}
	}
	return false
}

// Renormalize assigns evenly spaced keys (Gap, 2*Gap, ...) in the order of the
// input keys. The result is index-aligned with orders. Equal keys keep their
// input order.
func Renormalize(orders []float64) []float64 {
	idx := make([]int, len(orders))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		switch {
		case orders[a] < orders[b]:
			return -1
		case orders[a] > orders[b]:
			return 1
		}
		return 0
	})
	out := make([]float64, len(orders))
	for rank, i := range idx {
		out[i] = Gap * float64(rank+1)
	}
	return out
}
