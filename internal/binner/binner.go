// Package binner converts samples into fixed-width bin counts.
package binner

import (
	apperrors "github.com/parallel-histogram/pkg/errors"
	"github.com/parallel-histogram/pkg/model"
	"github.com/parallel-histogram/pkg/parallel"
)

// parallelThreshold is the sample count below which BinParallel bins on the
// calling goroutine.
const parallelThreshold = 1 << 16

// Binner bins samples over a fixed range with a fixed edge policy.
// A Binner is immutable and safe for concurrent use.
type Binner struct {
	r        model.Range
	bins     int
	width    float64
	policy   model.EdgePolicy
	collapse bool
}

// New creates a Binner. binCount must be at least 1. A reversed range is
// swapped; a degenerate range collapses to a single bin.
func New(r model.Range, binCount int, policy model.EdgePolicy) (*Binner, error) {
	if binCount < 1 {
		return nil, apperrors.InvalidArgument("bin count must be at least 1, got %d", binCount)
	}
	if binCount > model.MaxBinCount {
		return nil, apperrors.InvalidArgument("bin count must be at most %d, got %d", model.MaxBinCount, binCount)
	}
	if err := r.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid range", err)
	}

	r = r.Normalize()
	b := &Binner{r: r, bins: binCount, policy: policy}
	if r.Degenerate() {
		b.bins = 1
		b.collapse = true
		return b, nil
	}
	b.width = (r.Max - r.Min) / float64(binCount)
	return b, nil
}

// Bins returns the number of bins produced.
func (b *Binner) Bins() int {
	return b.bins
}

// Bin returns the histogram of samples. All bins are present.
func (b *Binner) Bin(samples []float64) model.Histogram {
	h := model.NewHistogram(b.bins)
	b.Accumulate(h, samples)
	return h
}

// BinParallel bins samples in contiguous chunks on up to workers goroutines
// and sums the partial histograms. The result equals Bin(samples).
func (b *Binner) BinParallel(samples []float64, workers int) model.Histogram {
	if workers <= 1 || len(samples) < parallelThreshold {
		return b.Bin(samples)
	}
	proc := parallel.NewChunkProcessor[float64, model.Histogram](parallel.PoolConfig{MaxWorkers: workers})
	return proc.ProcessChunks(samples, b.Bin, func(parts []model.Histogram) model.Histogram {
		h := model.NewHistogram(b.bins)
		for _, p := range parts {
			h.Add(p)
		}
		return h
	})
}

// Accumulate adds the bin counts of samples into h, which must have Bins() entries.
func (b *Binner) Accumulate(h model.Histogram, samples []float64) {
	if b.collapse {
		h[0] += uint64(len(samples))
		return
	}
	for _, x := range samples {
		if x < b.r.Min || x > b.r.Max {
			continue
		}
		k := int((x - b.r.Min) / b.width)
		lo, hi := k-1, k+1
		if lo < 0 {
			lo = 0
		}
		if hi > b.bins-1 {
			hi = b.bins - 1
		}
		if lo > hi {
			lo = hi
		}
		for j := lo; j <= hi; j++ {
			if b.contains(j, x) {
				h[j]++
			}
		}
	}
}

// boundary returns the lower edge of bin j; boundary(bins) is the upper edge
// of the last bin. The outer edges are pinned to the range so that min and
// max always fall inside regardless of rounding.
func (b *Binner) boundary(j int) float64 {
	switch j {
	case 0:
		return b.r.Min
	case b.bins:
		return b.r.Max
	default:
		return b.r.Min + b.width*float64(j)
	}
}

func (b *Binner) contains(j int, x float64) bool {
	lower, upper := b.boundary(j), b.boundary(j+1)
	if x < lower || x > upper {
		return false
	}
	if b.policy == model.EdgeHalfOpen && x == upper && j != b.bins-1 {
		return false
	}
	return true
}

// Bin is a convenience wrapper that builds a Binner and bins samples once.
func Bin(samples []float64, r model.Range, binCount int, policy model.EdgePolicy) (model.Histogram, error) {
	b, err := New(r, binCount, policy)
	if err != nil {
		return nil, err
	}
	return b.Bin(samples), nil
}
