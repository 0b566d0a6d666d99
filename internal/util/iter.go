package util

import "iter"

// IterFirst returns the first element of the sequence, if any.
func IterFirst[T any](seq iter.Seq[T]) (T, bool) {
	for v := range seq {
		return v, true
	}
	var zero T
	return zero, false
}
