//go:build linux

package platform

import (
	"fmt"

	"github.com/iceber/iouring-go"
)

const ringEntries = 64

// Ring submits positioned reads and writes through io_uring. A nil *Ring is
// valid and means "use plain pread/pwrite".
type Ring struct {
	iour *iouring.IOURing
}

// NewRing sets up an io_uring instance. Returns (nil, nil) when the kernel
// does not support io_uring so callers can fall back silently.
func NewRing() (*Ring, error) {
	iour, err := iouring.New(ringEntries)
	if err != nil {
		return nil, nil
	}
	return &Ring{iour: iour}, nil
}

// Pread reads len(p) bytes at off.
func (r *Ring) Pread(fd int, p []byte, off int64) (int, error) {
	return r.submit(iouring.Pread(fd, p, uint64(off)))
}

// Pwrite writes len(p) bytes at off.
func (r *Ring) Pwrite(fd int, p []byte, off int64) (int, error) {
	return r.submit(iouring.Pwrite(fd, p, uint64(off)))
}

func (r *Ring) submit(prep iouring.PrepRequest) (int, error) {
	ch := make(chan iouring.Result, 1)
	if _, err := r.iour.SubmitRequest(prep, ch); err != nil {
		return 0, fmt.Errorf("io_uring submit: %w", err)
	}
	res := <-ch
	n, err := res.ReturnInt()
	if err != nil {
		return 0, fmt.Errorf("io_uring op: %w", err)
	}
	return n, nil
}

// Close releases the ring.
func (r *Ring) Close() error {
	if r == nil || r.iour == nil {
		return nil
	}
	return r.iour.Close()
}
