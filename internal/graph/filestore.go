package graph

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/chainstream/internal/platform"
)

// FileStore backs a node with a sparse raw file. Allocation status comes
// from SEEK_DATA/SEEK_HOLE; filesystems without hole support report the
// whole file as allocated, which is safe (at worst more data is copied).
type FileStore struct {
	path string
	f    *os.File
	size int64
	ro   bool
	ring *platform.Ring // optional io_uring path, nil means pread/pwrite
}

// OpenFileStore opens path as a node payload. ring may be nil.
func OpenFileStore(path string, readOnly bool, ring *platform.Ring) (*FileStore, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("open image %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat image %s: %w", path, err)
	}
	return &FileStore{path: path, f: f, size: info.Size(), ro: readOnly, ring: ring}, nil
}

// Len returns the image length.
func (s *FileStore) Len() int64 { return s.size }

// Close closes the underlying file.
func (s *FileStore) Close() error { return s.f.Close() }

// Reopen switches the file between read-only and read-write.
func (s *FileStore) Reopen(readOnly bool) error {
	if readOnly == s.ro {
		return nil
	}
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(s.path, flags, 0)
	if err != nil {
		return fmt.Errorf("reopen %s: %w", s.path, err)
	}
	s.f.Close()
	s.f = f
	s.ro = readOnly
	return nil
}

func (s *FileStore) ReadAt(p []byte, off int64) (int, error) {
	if s.ring != nil {
		return s.ring.Pread(int(s.f.Fd()), p, off)
	}
	n, err := s.f.ReadAt(p, off)
	if err != nil && n == len(p) {
		err = nil
	}
	return n, err
}

func (s *FileStore) WriteAt(p []byte, off int64) (int, error) {
	if s.ring != nil {
		return s.ring.Pwrite(int(s.f.Fd()), p, off)
	}
	return s.f.WriteAt(p, off)
}

// Allocated probes the sparse layout at off: (true, run) inside a data
// extent, (false, run) inside a hole, run capped at max.
func (s *FileStore) Allocated(off, max int64) (bool, int64, error) {
	if off >= s.size {
		return false, 0, nil
	}
	if max > s.size-off {
		max = s.size - off
	}

	fd := int(s.f.Fd())
	dataStart, err := unix.Seek(fd, off, unix.SEEK_DATA)
	if err != nil {
		if err == syscall.ENXIO {
			// Hole to EOF.
			return false, max, nil
		}
		if err == syscall.EINVAL {
			// No sparse support: treat everything as data.
			return true, max, nil
		}
		return false, 0, fmt.Errorf("seek data %s: %w", s.path, err)
	}

	if dataStart > off {
		// Hole first.
		run := dataStart - off
		if run > max {
			run = max
		}
		return false, run, nil
	}

	holeStart, err := unix.Seek(fd, off, unix.SEEK_HOLE)
	if err != nil {
		if err == syscall.ENXIO || err == syscall.EINVAL {
			return true, max, nil
		}
		return false, 0, fmt.Errorf("seek hole %s: %w", s.path, err)
	}
	run := holeStart - off
	if run > max {
		run = max
	}
	return true, run, nil
}
