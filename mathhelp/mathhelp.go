package mathhelp

import "golang.org/x/exp/constraints"

func Pow2(n uint) uint {
	return 1 << n
}

// Clamp limits v to the inclusive range [lo, hi].
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// MinMax returns p and q in ascending order.
func MinMax[T constraints.Ordered](p, q T) (T, T) {
	if p <= q {
		return p, q
	}
	return q, p
}
