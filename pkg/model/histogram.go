// Package model defines the core data structures used throughout the application.
package model

import (
	"fmt"
	"math"
)

// Histogram holds one non-negative count per bin, indexed 0..len-1.
type Histogram []uint64

// NewHistogram returns a zero-initialised histogram with n bins.
func NewHistogram(n int) Histogram {
	if n < 0 {
		n = 0
	}
	return make(Histogram, n)
}

// Len returns the number of bins.
func (h Histogram) Len() int {
	return len(h)
}

// Add accumulates other into h element-wise.
// Bins beyond len(h) in other are ignored; bins missing from other add zero.
func (h Histogram) Add(other Histogram) {
	n := len(h)
	if len(other) < n {
		n = len(other)
	}
	for j := 0; j < n; j++ {
		h[j] += other[j]
	}
}

// Sum returns the total count across all bins.
func (h Histogram) Sum() uint64 {
	var total uint64
	for _, c := range h {
		total += c
	}
	return total
}

// Clone returns a copy of h.
func (h Histogram) Clone() Histogram {
	if h == nil {
		return nil
	}
	out := make(Histogram, len(h))
	copy(out, h)
	return out
}

// Scale returns h multiplied bin-for-bin by k.
func (h Histogram) Scale(k uint64) Histogram {
	out := make(Histogram, len(h))
	for j, c := range h {
		out[j] = c * k
	}
	return out
}

// Equal reports whether h and other have the same length and counts.
func (h Histogram) Equal(other Histogram) bool {
	if len(h) != len(other) {
		return false
	}
	for j := range h {
		if h[j] != other[j] {
			return false
		}
	}
	return true
}

// Range is the (min, max) domain of a histogram.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Normalize returns r with Min <= Max, swapping the bounds if needed.
func (r Range) Normalize() Range {
	if r.Min > r.Max {
		return Range{Min: r.Max, Max: r.Min}
	}
	return r
}

// Degenerate reports whether the range collapses to a single point.
func (r Range) Degenerate() bool {
	return r.Min == r.Max
}

// Width returns the width of one of binCount equal bins over r.
func (r Range) Width(binCount int) float64 {
	n := r.Normalize()
	if binCount < 1 {
		return 0
	}
	return (n.Max - n.Min) / float64(binCount)
}

// Validate rejects bounds that cannot define a histogram domain.
func (r Range) Validate() error {
	if math.IsNaN(r.Min) || math.IsNaN(r.Max) || math.IsInf(r.Min, 0) || math.IsInf(r.Max, 0) {
		return fmt.Errorf("range bounds must be finite, got [%v, %v]", r.Min, r.Max)
	}
	return nil
}

// String returns the string representation of Range.
func (r Range) String() string {
	return fmt.Sprintf("[%g, %g]", r.Min, r.Max)
}
