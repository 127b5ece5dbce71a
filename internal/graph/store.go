package graph

import (
	"fmt"
	"sync"
)

// Store is a node's payload: random-access bytes plus allocation metadata.
// Allocated reports whether off is allocated in this layer and the length
// of the run (allocated or not) starting at off, capped at max.
type Store interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Allocated(off, max int64) (bool, int64, error)
	Len() int64
	Close() error
}

// Reopener is implemented by stores that can switch read-only mode.
type Reopener interface {
	Reopen(readOnly bool) error
}

type extent struct {
	off, end int64
}

// MemStore is an in-memory store with explicit allocation extents.
type MemStore struct {
	mu      sync.Mutex
	size    int64
	data    []byte
	extents []extent // sorted, non-overlapping, coalesced

	// Fault injection for error-policy tests.
	ReadErr   error
	WriteErr  error
	ReopenErr error
}

// NewMemStore returns an all-unallocated store of the given size.
func NewMemStore(size int64) *MemStore {
	return &MemStore{size: size, data: make([]byte, size)}
}

// Len returns the store size.
func (m *MemStore) Len() int64 { return m.size }

// Close is a no-op.
func (m *MemStore) Close() error { return nil }

// Reopen fails with ReopenErr when set, used to exercise setup rollback.
func (m *MemStore) Reopen(bool) error { return m.ReopenErr }

func (m *MemStore) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return 0, m.ReadErr
	}
	if off < 0 || off > m.size {
		return 0, fmt.Errorf("read at %d: out of range", off)
	}
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *MemStore) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return 0, m.WriteErr
	}
	if off < 0 || off+int64(len(p)) > m.size {
		return 0, fmt.Errorf("write at %d+%d: out of range", off, len(p))
	}
	n := copy(m.data[off:], p)
	m.allocLocked(off, int64(n))
	return n, nil
}

// Fill writes b into [off, off+length) and marks it allocated, bypassing
// fault injection. Helper for building chain layouts.
func (m *MemStore) Fill(off, length int64, b byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := off; i < off+length && i < m.size; i++ {
		m.data[i] = b
	}
	m.allocLocked(off, length)
}

// Allocated reports the run starting at off.
func (m *MemStore) Allocated(off, max int64) (bool, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= m.size {
		return false, 0, nil
	}
	if max > m.size-off {
		max = m.size - off
	}
	for _, e := range m.extents {
		if off >= e.off && off < e.end {
			run := e.end - off
			if run > max {
				run = max
			}
			return true, run, nil
		}
		if e.off > off {
			run := e.off - off
			if run > max {
				run = max
			}
			return false, run, nil
		}
	}
	return false, max, nil
}

func (m *MemStore) allocLocked(off, length int64) {
	if length <= 0 {
		return
	}
	ne := extent{off: off, end: off + length}
	var merged []extent
	for _, e := range m.extents {
		switch {
		case e.end < ne.off:
			merged = append(merged, e)
		case e.off > ne.end:
			merged = append(merged, e)
		default:
			if e.off < ne.off {
				ne.off = e.off
			}
			if e.end > ne.end {
				ne.end = e.end
			}
		}
	}
	merged = append(merged, ne)
	// Keep sorted.
	for i := len(merged) - 1; i > 0; i-- {
		if merged[i].off < merged[i-1].off {
			merged[i], merged[i-1] = merged[i-1], merged[i]
		}
	}
	m.extents = merged
}
