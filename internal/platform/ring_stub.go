//go:build !linux

package platform

import "errors"

// Ring is unavailable off Linux; NewRing reports no ring and callers use
// plain pread/pwrite.
type Ring struct{}

// NewRing returns (nil, nil) on platforms without io_uring.
func NewRing() (*Ring, error) { return nil, nil }

// Pread is never reachable with a nil Ring.
func (r *Ring) Pread(int, []byte, int64) (int, error) {
	return 0, errors.New("io_uring unsupported")
}

// Pwrite is never reachable with a nil Ring.
func (r *Ring) Pwrite(int, []byte, int64) (int, error) {
	return 0, errors.New("io_uring unsupported")
}

// Close is a no-op.
func (r *Ring) Close() error { return nil }
