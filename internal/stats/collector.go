// Package stats tracks streaming progress with lock-free atomic counters.
package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Collector accumulates copy-loop progress. Streamed counts every byte the
// loop advanced over; Copied counts only bytes actually materialized.
type Collector struct {
	bytesStreamed atomic.Int64
	bytesCopied   atomic.Int64
	bytesTotal    atomic.Int64
	iterations    atomic.Int64
	pauses        atomic.Int64
	pauseNanos    atomic.Int64
	startTime     time.Time

	// Throughput ring — written only by the presenter tick, not the loop.
	mu         sync.Mutex
	throughput [ringSize]int64
	ringIdx    int
	ringCount  int
	lastBytes  int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetTotal records the target length once at session start.
func (c *Collector) SetTotal(n int64) { c.bytesTotal.Store(n) }

func (c *Collector) AddStreamed(n int64) { c.bytesStreamed.Add(n) }
func (c *Collector) AddCopied(n int64)   { c.bytesCopied.Add(n) }
func (c *Collector) AddIterations(n int64) { c.iterations.Add(n) }

// AddPause records one applied adaptive pause.
func (c *Collector) AddPause(d time.Duration) {
	c.pauses.Add(1)
	c.pauseNanos.Add(int64(d))
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	BytesStreamed int64
	BytesCopied   int64
	BytesTotal    int64
	Iterations    int64
	Pauses        int64
	PauseTime     time.Duration
	Elapsed       time.Duration
}

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		BytesStreamed: c.bytesStreamed.Load(),
		BytesCopied:   c.bytesCopied.Load(),
		BytesTotal:    c.bytesTotal.Load(),
		Iterations:    c.iterations.Load(),
		Pauses:        c.pauses.Load(),
		PauseTime:     time.Duration(c.pauseNanos.Load()),
		Elapsed:       time.Since(c.startTime),
	}
}

// Tick snapshots the copied-bytes delta into the ring buffer. Called 1/sec
// by whoever presents progress.
func (c *Collector) Tick() {
	current := c.bytesCopied.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.throughput[c.ringIdx] = current - c.lastBytes
	c.lastBytes = current
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average copied bytes/sec over the last n samples.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := seconds
	if count > c.ringCount {
		count = c.ringCount
	}
	if count == 0 {
		return 0
	}
	var sum int64
	for i := range count {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += c.throughput[idx]
	}
	return float64(sum) / float64(count)
}

// ETA estimates remaining time from rolling speed and remaining bytes.
func (c *Collector) ETA() time.Duration {
	speed := c.RollingSpeed(10)
	if speed <= 0 {
		return 0
	}
	remaining := c.bytesTotal.Load() - c.bytesStreamed.Load()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/speed) * time.Second
}

func (s Snapshot) String() string {
	return fmt.Sprintf("streamed=%d copied=%d total=%d iterations=%d pauses=%d",
		s.BytesStreamed, s.BytesCopied, s.BytesTotal, s.Iterations, s.Pauses)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
