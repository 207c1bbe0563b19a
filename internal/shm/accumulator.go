package shm

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/parallel-histogram/pkg/errors"
	"github.com/parallel-histogram/pkg/model"
)

// Names identifies the pair of named objects that make up one shared
// accumulator.
type Names struct {
	Namespace string
	Segment   string
	Semaphore string
}

// NamesFromSpec extracts the shared resource names of a run.
func NamesFromSpec(spec model.RunSpec) Names {
	return Names{
		Namespace: spec.NamespaceDir,
		Segment:   spec.SegmentName,
		Semaphore: spec.SemaphoreName,
	}
}

// SharedAccumulator is a worker's attachment to the shared counters and the
// semaphore guarding them.
type SharedAccumulator struct {
	seg *Segment
	sem *Semaphore
}

// OpenAccumulator attaches to an existing segment and semaphore. It never
// creates either name.
func OpenAccumulator(names Names, bins int, lockTimeout time.Duration) (*SharedAccumulator, error) {
	seg, err := OpenSegment(names.Namespace, names.Segment, bins)
	if err != nil {
		return nil, err
	}
	sem, err := OpenSemaphore(names.Namespace, names.Semaphore, lockTimeout)
	if err != nil {
		_ = seg.Close()
		return nil, err
	}
	return &SharedAccumulator{seg: seg, sem: sem}, nil
}

// Bins returns the number of shared counters.
func (a *SharedAccumulator) Bins() int {
	return a.seg.Bins()
}

// Accumulate adds local into the shared counters element-wise inside the
// critical section. owner must be non-zero; it is written to the segment's
// writer marker for the duration of the update so that a worker dying
// mid-update is detected by the next party to acquire the semaphore.
func (a *SharedAccumulator) Accumulate(ctx context.Context, local model.Histogram, owner uint64) error {
	if len(local) != a.seg.Bins() {
		return apperrors.InvalidArgument("local histogram has %d bins, shared accumulator has %d",
			len(local), a.seg.Bins())
	}
	if owner == 0 {
		return apperrors.InvalidArgument("writer marker must be non-zero")
	}

	if err := a.sem.Acquire(ctx); err != nil {
		return err
	}

	if m := a.seg.marker(); m != 0 {
		_ = a.sem.Release()
		return apperrors.Newf(apperrors.CodeSyncFailure,
			"segment %s was left mid-update by writer %d", a.seg.Name(), m)
	}

	a.seg.setMarker(owner)
	counters := a.seg.Counters()
	for i, c := range local {
		counters[i] += c
	}
	a.seg.setMarker(0)

	return a.sem.Release()
}

// Snapshot copies the shared counters under the semaphore.
func (a *SharedAccumulator) Snapshot(ctx context.Context) (model.Histogram, error) {
	if err := a.sem.Acquire(ctx); err != nil {
		return nil, err
	}

	if m := a.seg.marker(); m != 0 {
		_ = a.sem.Release()
		return nil, apperrors.Newf(apperrors.CodeSyncFailure,
			"segment %s was left mid-update by writer %d", a.seg.Name(), m)
	}

	h := model.NewHistogram(a.seg.Bins())
	copy(h, a.seg.Counters())

	if err := a.sem.Release(); err != nil {
		return nil, err
	}
	return h, nil
}

// Close detaches from both objects. The names stay in place.
func (a *SharedAccumulator) Close() error {
	return errors.Join(a.sem.Close(), a.seg.Close())
}
