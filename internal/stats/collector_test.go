package stats_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/chainstream/internal/stats"
)

func TestCollector_Snapshot(t *testing.T) {
	t.Parallel()
	c := stats.NewCollector()
	c.SetTotal(1 << 20)
	c.AddStreamed(4096)
	c.AddStreamed(512)
	c.AddCopied(4096)
	c.AddIterations(2)
	c.AddPause(100 * time.Millisecond)
	c.AddPause(100 * time.Millisecond)

	snap := c.Snapshot()
	assert.Equal(t, int64(4608), snap.BytesStreamed)
	assert.Equal(t, int64(4096), snap.BytesCopied)
	assert.Equal(t, int64(1<<20), snap.BytesTotal)
	assert.Equal(t, int64(2), snap.Iterations)
	assert.Equal(t, int64(2), snap.Pauses)
	assert.Equal(t, 200*time.Millisecond, snap.PauseTime)
}

func TestCollector_ConcurrentCounters(t *testing.T) {
	t.Parallel()
	c := stats.NewCollector()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				c.AddStreamed(1)
				c.AddIterations(1)
			}
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Equal(t, int64(8000), snap.BytesStreamed)
	assert.Equal(t, int64(8000), snap.Iterations)
}

func TestCollector_RollingSpeed(t *testing.T) {
	t.Parallel()
	c := stats.NewCollector()

	// Three ticks of 1000 copied bytes each.
	for range 3 {
		c.AddCopied(1000)
		c.Tick()
	}
	assert.InDelta(t, 1000.0, c.RollingSpeed(3), 0.1)

	// No samples yet on a fresh collector.
	assert.Zero(t, stats.NewCollector().RollingSpeed(10))
}

func TestCollector_ETA(t *testing.T) {
	t.Parallel()
	c := stats.NewCollector()
	c.SetTotal(10000)

	// 1000 bytes/sec with 9000 remaining.
	c.AddCopied(1000)
	c.AddStreamed(1000)
	c.Tick()

	eta := c.ETA()
	assert.Equal(t, 9*time.Second, eta)

	// Done means no ETA.
	c.AddStreamed(9000)
	assert.Zero(t, c.ETA())
}

func TestFormatBytes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "512 B", stats.FormatBytes(512))
	assert.Equal(t, "1.0 KiB", stats.FormatBytes(1024))
	assert.Equal(t, "1.5 MiB", stats.FormatBytes(3*512*1024))
	assert.Equal(t, "2.0 GiB", stats.FormatBytes(2<<30))
}

func TestParseSize(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		in   string
		want int64
	}{
		{"100", 100},
		{"100B", 100},
		{"4K", 4096},
		{"4k", 4096},
		{"10M", 10 << 20},
		{"100MB", 100 << 20},
		{"1G", 1 << 30},
		{"1.5M", 3 << 19},
		{"2T", 2 << 40},
	} {
		n, err := stats.ParseSize(tc.in)
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, n, "input %q", tc.in)
	}

	for _, in := range []string{"", "abc", "M", "12X"} {
		_, err := stats.ParseSize(in)
		assert.Error(t, err, "input %q", in)
	}
}
