// Package iops provides a resettable operation-rate meter. A Tracker is
// attached to the node sitting in the foreground I/O path; the pace
// controller samples it to decide whether background copying should back off.
package iops

import (
	"sync"
	"time"
)

// minWindow guards the rate computation against back-to-back reads. Two
// reads inside the same millisecond report the rate over one millisecond
// instead of dividing by ~zero.
const minWindow = time.Millisecond

// Tracker counts operations observed since the window start. Record and
// ReadAndReset may be called from different goroutines; every access runs
// under a single mutex so no operation is lost or double-counted.
type Tracker struct {
	mu          sync.Mutex
	ops         int64
	windowStart time.Time

	now func() time.Time // overridable in tests
}

// New returns a Tracker with the window starting now.
func New() *Tracker {
	t := &Tracker{now: time.Now}
	t.Reset()
	return t
}

// Reset zeroes the counter and restarts the window.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.ops = 0
	t.windowStart = t.now()
	t.mu.Unlock()
}

// Record adds n operations to the current window. Negative n is ignored.
func (t *Tracker) Record(n int64) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	t.ops += n
	t.mu.Unlock()
}

// ReadAndReset returns the operation rate (ops/sec) over the elapsed window
// and restarts it. The read and the reset happen in one critical section:
// an operation recorded concurrently lands either in the returned rate or
// in the next window, never both and never neither.
func (t *Tracker) ReadAndReset() float64 {
	ops, elapsed := t.take()
	return float64(ops) / elapsed.Seconds()
}

func (t *Tracker) take() (int64, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	elapsed := now.Sub(t.windowStart)
	if elapsed < minWindow {
		elapsed = minWindow
	}
	ops := t.ops
	t.ops = 0
	t.windowStart = now
	return ops, elapsed
}
