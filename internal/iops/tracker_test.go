package iops

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when told to.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newFakeTracker() (*Tracker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	t := &Tracker{now: clk.now}
	t.Reset()
	return t, clk
}

func TestTracker_Rate(t *testing.T) {
	t.Parallel()

	tr, clk := newFakeTracker()
	tr.Record(100)
	clk.advance(2 * time.Second)

	assert.InDelta(t, 50.0, tr.ReadAndReset(), 0.001)

	// Window restarted: nothing recorded yet.
	clk.advance(time.Second)
	assert.Zero(t, tr.ReadAndReset())
}

func TestTracker_ClampsDegenerateWindow(t *testing.T) {
	t.Parallel()

	tr, _ := newFakeTracker()
	tr.Record(10)

	// No time elapsed — rate is computed over the 1ms clamp, not +Inf.
	rate := tr.ReadAndReset()
	assert.InDelta(t, 10000.0, rate, 0.001)
}

func TestTracker_IgnoresNegative(t *testing.T) {
	t.Parallel()

	tr, clk := newFakeTracker()
	tr.Record(-5)
	tr.Record(5)
	clk.advance(time.Second)
	assert.InDelta(t, 5.0, tr.ReadAndReset(), 0.001)
}

// Every recorded operation shows up in exactly one window, no matter how
// reads interleave with writes.
func TestTracker_NoDoubleCounting(t *testing.T) {
	t.Parallel()

	tr := New()

	const (
		writers       = 8
		opsPerWriter  = 10000
		batch         = int64(3)
		totalRecorded = writers * opsPerWriter * batch
	)

	stop := make(chan struct{})
	observed := make(chan int64, 1)

	// Reader drains windows concurrently using the ops count directly.
	go func() {
		var sum int64
		for {
			ops, _ := tr.take()
			sum += ops
			select {
			case <-stop:
				// Final drain after all writers are done.
				ops, _ := tr.take()
				observed <- sum + ops
				return
			default:
			}
		}
	}()

	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range opsPerWriter {
				tr.Record(batch)
			}
		}()
	}
	wg.Wait()
	close(stop)

	select {
	case got := <-observed:
		require.Equal(t, int64(totalRecorded), got)
	case <-time.After(10 * time.Second):
		t.Fatal("reader did not finish")
	}
}
