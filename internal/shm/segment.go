package shm

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	apperrors "github.com/parallel-histogram/pkg/errors"
	"github.com/parallel-histogram/pkg/model"
)

const (
	segmentMagic   uint64 = 0x314D485354534948 // "HISTSHM1"
	headerWords           = 3
	wordSize              = 8
	headerSize            = headerWords * wordSize
	markerWordIdx         = 2
	segmentPerm           = 0o600
	openFlagsRW           = unix.O_RDWR | unix.O_CLOEXEC
	createFlagsRW         = openFlagsRW | unix.O_CREAT | unix.O_EXCL
)

// Segment is one process's mapping of a named shared-memory segment.
// Close detaches the mapping; it never removes the name.
type Segment struct {
	name string
	path string
	fd   int
	data []byte
	bins int

	closeOnce sync.Once
	closeErr  error
}

func checkBins(bins int) error {
	if bins < 1 || bins > model.MaxBinCount {
		return apperrors.InvalidArgument("segment needs 1..%d bins, got %d", model.MaxBinCount, bins)
	}
	return nil
}

// CreateSegment creates a new named segment with room for bins counters. It
// fails with RESOURCE_CONFLICT if the name already exists. The backing pages
// are reserved up front, so a full namespace fails here rather than faulting
// on first write.
func CreateSegment(ns, name string, bins int) (*Segment, error) {
	if err := checkBins(bins); err != nil {
		return nil, err
	}
	path, err := segmentPath(ns, name)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Open(path, createFlagsRW, segmentPerm)
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil, apperrors.Wrap(apperrors.CodeResourceConflict,
				fmt.Sprintf("shm_open %s: segment already exists", name), err)
		}
		return nil, apperrors.Wrap(apperrors.CodeSyncFailure, "shm_open "+name, err)
	}

	size := headerSize + bins*wordSize
	fail := func(op string, cause error) (*Segment, error) {
		_ = unix.Close(fd)
		_ = unix.Unlink(path)
		return nil, apperrors.Wrap(apperrors.CodeSyncFailure, op+" "+name, cause)
	}

	if err := unix.Fallocate(fd, 0, 0, int64(size)); err != nil {
		if !errors.Is(err, unix.EOPNOTSUPP) && !errors.Is(err, unix.ENOSYS) {
			return fail("fallocate", err)
		}
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			return fail("ftruncate", err)
		}
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fail("mmap", err)
	}

	// A new file reads as zeroes; only the header is written.
	s := &Segment{name: name, path: path, fd: fd, data: data, bins: bins}
	words := s.words()
	words[0] = segmentMagic
	words[1] = uint64(bins)
	return s, nil
}

// OpenSegment maps an existing segment. It never creates one: a worker that
// starts before the coordinator created the name fails here.
func OpenSegment(ns, name string, bins int) (*Segment, error) {
	if err := checkBins(bins); err != nil {
		return nil, err
	}
	path, err := segmentPath(ns, name)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Open(path, openFlagsRW, 0)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSyncFailure, "shm_open "+name, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, apperrors.Wrap(apperrors.CodeSyncFailure, "fstat "+name, err)
	}
	size := headerSize + bins*wordSize
	if st.Size != int64(size) {
		_ = unix.Close(fd)
		return nil, apperrors.Newf(apperrors.CodeSyncFailure,
			"segment %s has size %d, want %d for %d bins", name, st.Size, size, bins)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, apperrors.Wrap(apperrors.CodeSyncFailure, "mmap "+name, err)
	}

	s := &Segment{name: name, path: path, fd: fd, data: data, bins: bins}
	words := s.words()
	if words[0] != segmentMagic || words[1] != uint64(bins) {
		_ = s.Close()
		return nil, apperrors.Newf(apperrors.CodeSyncFailure,
			"segment %s is not a %d-bin histogram segment", name, bins)
	}
	return s, nil
}

// words views the whole mapping as uint64 words. The mapping is page
// aligned, so every word is naturally aligned.
func (s *Segment) words() []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(&s.data[0])), len(s.data)/wordSize)
}

// Name returns the segment name.
func (s *Segment) Name() string {
	return s.name
}

// Bins returns the number of counters.
func (s *Segment) Bins() int {
	return s.bins
}

// Counters returns the live counters. Callers must hold the semaphore for
// every read and write.
func (s *Segment) Counters() []uint64 {
	return s.words()[headerWords:]
}

func (s *Segment) marker() uint64 {
	return s.words()[markerWordIdx]
}

func (s *Segment) setMarker(v uint64) {
	s.words()[markerWordIdx] = v
}

// Close unmaps the segment and closes its descriptor. It is idempotent.
func (s *Segment) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := unix.Munmap(s.data); err != nil {
			errs = append(errs, apperrors.Wrap(apperrors.CodeSyncFailure, "munmap "+s.name, err))
		}
		s.data = nil
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, apperrors.Wrap(apperrors.CodeSyncFailure, "close "+s.name, err))
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// RemoveSegment unlinks a segment name. Existing mappings stay valid until
// they are closed. A missing name yields an error matching fs.ErrNotExist.
func RemoveSegment(ns, name string) error {
	path, err := segmentPath(ns, name)
	if err != nil {
		return err
	}
	if err := unix.Unlink(path); err != nil {
		return apperrors.Wrap(apperrors.CodeSyncFailure, "shm_unlink "+name, err)
	}
	return nil
}
