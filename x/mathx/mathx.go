// Package mathx holds the small numeric helpers the sensors share.
package mathx

import "golang.org/x/exp/constraints"

type Number interface {
	constraints.Integer | constraints.Float
}

// Clamp limits v to [lo, hi].
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Between reports lo <= v <= hi.
func Between[T constraints.Ordered](v, lo, hi T) bool { return v >= lo && v <= hi }

// CeilDiv is ceil(a/b) for unsigned a and b, zero when b is zero.
func CeilDiv[T constraints.Unsigned](a, b T) T {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Mean is the arithmetic mean of xs as float64, zero for none.
func Mean[T Number](xs ...T) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += float64(x)
	}
	return sum / float64(len(xs))
}
