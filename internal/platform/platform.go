// Package platform holds the low-level I/O plumbing for range
// materialization: pooled transfer buffers and an optional io_uring
// submission path on Linux.
package platform

import "sync"

// BufferSize is the unit of transfer for read-through materialization.
const BufferSize = 1 << 20 // 1 MiB

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, BufferSize)
		return &b
	},
}

// GetBuffer borrows a BufferSize scratch buffer.
func GetBuffer() *[]byte { return bufPool.Get().(*[]byte) }

// PutBuffer returns a buffer to the pool.
func PutBuffer(b *[]byte) { bufPool.Put(b) }
