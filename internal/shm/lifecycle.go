package shm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/parallel-histogram/pkg/model"
)

// Lifecycle owns the named objects of one shared-accumulator run: it creates
// them before any worker starts and destroys them exactly once afterwards.
type Lifecycle struct {
	names       Names
	bins        int
	lockTimeout time.Duration

	seg *Segment
	sem *Semaphore

	destroyOnce sync.Once
	destroyErr  error
}

// NewLifecycle returns a lifecycle for the given names. Nothing is created
// until Create is called.
func NewLifecycle(names Names, bins int, lockTimeout time.Duration) *Lifecycle {
	return &Lifecycle{names: names, bins: bins, lockTimeout: lockTimeout}
}

// Names returns the names managed by the lifecycle.
func (l *Lifecycle) Names() Names {
	return l.names
}

// Create creates the zeroed segment and the semaphore with value 1, in that
// order. If the semaphore cannot be created the segment this call created is
// removed again. A name that already existed is never removed.
func (l *Lifecycle) Create() error {
	seg, err := CreateSegment(l.names.Namespace, l.names.Segment, l.bins)
	if err != nil {
		return err
	}
	sem, err := CreateSemaphore(l.names.Namespace, l.names.Semaphore, l.lockTimeout)
	if err != nil {
		return errors.Join(err, seg.Close(), RemoveSegment(l.names.Namespace, l.names.Segment))
	}
	l.seg = seg
	l.sem = sem
	return nil
}

// Collect reads the final counts. It must only be called after every worker
// has exited.
func (l *Lifecycle) Collect(ctx context.Context) (model.Histogram, error) {
	if l.seg == nil || l.sem == nil {
		return nil, errNotCreated
	}
	acc := &SharedAccumulator{seg: l.seg, sem: l.sem}
	return acc.Snapshot(ctx)
}

// Destroy closes and unlinks both names. Only the first call does any work;
// later calls return the first call's result. Destroying a lifecycle whose
// Create failed is a no-op.
func (l *Lifecycle) Destroy() error {
	l.destroyOnce.Do(func() {
		if l.seg == nil || l.sem == nil {
			return
		}
		l.destroyErr = errors.Join(
			l.sem.Close(),
			l.seg.Close(),
			RemoveSemaphore(l.names.Namespace, l.names.Semaphore),
			RemoveSegment(l.names.Namespace, l.names.Segment),
		)
	})
	return l.destroyErr
}

// Exists reports whether either name is still present.
func (l *Lifecycle) Exists() bool {
	return SegmentExists(l.names.Namespace, l.names.Segment) ||
		SemaphoreExists(l.names.Namespace, l.names.Semaphore)
}
