// Package shm provides named, kernel-visible shared state: a shared-memory
// segment holding histogram counters and a named binary semaphore guarding it.
//
// Names live in a namespace directory. On Linux the default is /dev/shm, the
// same tmpfs that shm_open(3) and sem_open(3) use, so leftovers are visible
// with ls and removable with rm. Every name is created with an exclusive
// create and removed only by the party that created it.
//
// Segment layout (little-endian uint64 words):
//
//	[0] magic
//	[1] bin count
//	[2] writer marker: non-zero while a worker is inside its critical section
//	[3...] counters, one per bin
package shm

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/parallel-histogram/pkg/errors"
)

// DefaultNamespaceDir is where named objects are created when no directory
// is configured.
const DefaultNamespaceDir = "/dev/shm"

// semaphorePrefix matches the prefix glibc uses for named semaphores.
const semaphorePrefix = "sem."

var errNotCreated = apperrors.New(apperrors.CodeSyncFailure, "shared resources were not created")

// NamespaceDir returns dir, or the default namespace when dir is empty.
// Systems without /dev/shm fall back to the temp directory.
func NamespaceDir(dir string) string {
	if dir != "" {
		return dir
	}
	if info, err := os.Stat(DefaultNamespaceDir); err == nil && info.IsDir() {
		return DefaultNamespaceDir
	}
	return os.TempDir()
}

// normalizeName strips the leading slash POSIX names carry and rejects names
// that would escape the namespace directory.
func normalizeName(name string) (string, error) {
	n := strings.TrimPrefix(name, "/")
	if n == "" || strings.ContainsRune(n, '/') || n == "." || n == ".." {
		return "", apperrors.InvalidArgument("invalid shared resource name %q", name)
	}
	return n, nil
}

func segmentPath(ns, name string) (string, error) {
	n, err := normalizeName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(NamespaceDir(ns), n), nil
}

func semaphorePath(ns, name string) (string, error) {
	n, err := normalizeName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(NamespaceDir(ns), semaphorePrefix+n), nil
}

// SegmentExists reports whether a segment with the given name exists.
func SegmentExists(ns, name string) bool {
	p, err := segmentPath(ns, name)
	if err != nil {
		return false
	}
	_, err = os.Lstat(p)
	return err == nil
}

// SemaphoreExists reports whether a semaphore with the given name exists.
func SemaphoreExists(ns, name string) bool {
	p, err := semaphorePath(ns, name)
	if err != nil {
		return false
	}
	_, err = os.Lstat(p)
	return err == nil
}

// ReclaimResult reports what Reclaim found and removed.
type ReclaimResult struct {
	SegmentRemoved   bool
	SemaphoreRemoved bool
}

// Reclaim removes a stale segment and semaphore left behind by a crashed
// run. Missing names are not an error. It must never be pointed at the names
// of a run that is still alive.
func Reclaim(ns, segmentName, semaphoreName string) (ReclaimResult, error) {
	var res ReclaimResult
	var errs []error

	if segmentName != "" {
		err := RemoveSegment(ns, segmentName)
		switch {
		case err == nil:
			res.SegmentRemoved = true
		case !errors.Is(err, fs.ErrNotExist):
			errs = append(errs, err)
		}
	}
	if semaphoreName != "" {
		err := RemoveSemaphore(ns, semaphoreName)
		switch {
		case err == nil:
			res.SemaphoreRemoved = true
		case !errors.Is(err, fs.ErrNotExist):
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}
