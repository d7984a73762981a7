// Package indicator smooths per-frame measurements of a session.
package indicator

import (
	"golang.org/x/exp/constraints"
)

type Number interface {
	constraints.Integer | constraints.Float
}

type MovingAverage[T Number] interface {
	// Update feeds a measurement and returns the current average.
	Update(v T) T
	Value() T
	Valid() bool
	Reset()
}
