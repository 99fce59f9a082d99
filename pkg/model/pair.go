package model

import (
	"cmp"
	"slices"
)

// Pair and Triple are small generic tuples used across the codec, the merge
// rule and the scheduler instead of single-use named structs.
type Pair[Ty1, Ty2 any] struct {
	V1 Ty1
	V2 Ty2
}
type Triple[Ty1, Ty2, Ty3 any] struct {
	V1 Ty1
	V2 Ty2
	V3 Ty3
}

// SortPairs sorts lexicographically by (V1, V2). Used to give the wire codec
// a canonical map-iteration order before encoding.
func SortPairs[Ty1, Ty2 cmp.Ordered](pairs []Pair[Ty1, Ty2]) {
	slices.SortFunc(pairs, func(a, b Pair[Ty1, Ty2]) int {
		if c := cmp.Compare(a.V1, b.V1); c != 0 {
			return c
		}
		return cmp.Compare(a.V2, b.V2)
	})
}
