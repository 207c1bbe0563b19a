package shm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	apperrors "github.com/parallel-histogram/pkg/errors"
)

const (
	pollInitial = time.Millisecond
	pollMax     = 50 * time.Millisecond
)

// Semaphore is a named binary semaphore. Its count is 1 when no handle holds
// it and 0 while one does.
//
// It is backed by flock(2) on a named file: each handle owns its own open
// file description, so handles in different processes and handles opened
// separately inside one process exclude each other alike. A single handle
// belongs to one worker and must not be acquired from two goroutines at once.
// The kernel drops the lock when the holding process dies.
type Semaphore struct {
	name    string
	fd      int
	timeout time.Duration

	mu        sync.Mutex
	held      bool
	closed    bool
	closeErr  error
	closeOnce sync.Once
}

// CreateSemaphore creates a named semaphore with initial value 1. It fails
// with RESOURCE_CONFLICT if the name already exists.
func CreateSemaphore(ns, name string, timeout time.Duration) (*Semaphore, error) {
	path, err := semaphorePath(ns, name)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Open(path, createFlagsRW, segmentPerm)
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil, apperrors.Wrap(apperrors.CodeResourceConflict,
				fmt.Sprintf("sem_open %s: semaphore already exists", name), err)
		}
		return nil, apperrors.Wrap(apperrors.CodeSyncFailure, "sem_open "+name, err)
	}
	return &Semaphore{name: name, fd: fd, timeout: timeout}, nil
}

// OpenSemaphore opens an existing named semaphore without creating it.
// A zero timeout makes Acquire block indefinitely.
func OpenSemaphore(ns, name string, timeout time.Duration) (*Semaphore, error) {
	path, err := semaphorePath(ns, name)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Open(path, openFlagsRW, 0)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSyncFailure, "sem_open "+name, err)
	}
	return &Semaphore{name: name, fd: fd, timeout: timeout}, nil
}

// Name returns the semaphore name.
func (s *Semaphore) Name() string {
	return s.name
}

// Acquire decrements the semaphore, waiting until it is available.
//
// With no timeout configured this is a plain blocking wait and ctx is not
// consulted. With a timeout, Acquire polls and gives up with SYNC_FAILURE
// when the timeout elapses or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return apperrors.Newf(apperrors.CodeSyncFailure, "sem_wait %s: semaphore closed", s.name)
	}
	if s.held {
		return apperrors.Newf(apperrors.CodeSyncFailure, "sem_wait %s: handle already holds the semaphore", s.name)
	}

	var err error
	if s.timeout <= 0 {
		err = s.lockBlocking()
	} else {
		err = s.lockTimed(ctx)
	}
	if err != nil {
		return err
	}
	s.held = true
	return nil
}

func (s *Semaphore) lockBlocking() error {
	for {
		err := unix.Flock(s.fd, unix.LOCK_EX)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return apperrors.Wrap(apperrors.CodeSyncFailure, "sem_wait "+s.name, err)
	}
}

func (s *Semaphore) lockTimed(ctx context.Context) error {
	deadline := time.Now().Add(s.timeout)
	wait := pollInitial
	for {
		err := unix.Flock(s.fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			return apperrors.Wrap(apperrors.CodeSyncFailure, "sem_timedwait "+s.name, err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return apperrors.Newf(apperrors.CodeSyncFailure,
				"sem_timedwait %s: not acquired within %s", s.name, s.timeout)
		}
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return apperrors.Wrap(apperrors.CodeSyncFailure, "sem_timedwait "+s.name, ctx.Err())
		case <-timer.C:
		}
		if wait *= 2; wait > pollMax {
			wait = pollMax
		}
	}
}

// TryAcquire decrements the semaphore if it is available right now.
func (s *Semaphore) TryAcquire() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.held {
		return false, nil
	}
	err := unix.Flock(s.fd, unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		s.held = true
		return true, nil
	}
	if errors.Is(err, unix.EWOULDBLOCK) {
		return false, nil
	}
	return false, apperrors.Wrap(apperrors.CodeSyncFailure, "sem_trywait "+s.name, err)
}

// Release increments the semaphore. Releasing a handle that does not hold
// the semaphore is an error; the count never exceeds 1.
func (s *Semaphore) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked()
}

func (s *Semaphore) releaseLocked() error {
	if !s.held {
		return apperrors.Newf(apperrors.CodeSyncFailure, "sem_post %s: handle does not hold the semaphore", s.name)
	}
	if err := unix.Flock(s.fd, unix.LOCK_UN); err != nil {
		return apperrors.Wrap(apperrors.CodeSyncFailure, "sem_post "+s.name, err)
	}
	s.held = false
	return nil
}

// Close releases the semaphore if this handle holds it and closes the
// handle. It is idempotent and never removes the name.
func (s *Semaphore) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		var errs []error
		if s.held {
			if err := s.releaseLocked(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, apperrors.Wrap(apperrors.CodeSyncFailure, "sem_close "+s.name, err))
		}
		s.closed = true
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// RemoveSemaphore unlinks a semaphore name. A missing name yields an error
// matching fs.ErrNotExist.
func RemoveSemaphore(ns, name string) error {
	path, err := semaphorePath(ns, name)
	if err != nil {
		return err
	}
	if err := unix.Unlink(path); err != nil {
		return apperrors.Wrap(apperrors.CodeSyncFailure, "sem_unlink "+name, err)
	}
	return nil
}
