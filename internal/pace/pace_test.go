package pace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptSampler returns queued rates in order, then repeats the last one.
type scriptSampler struct {
	rates []float64
	idx   int
}

func (s *scriptSampler) ReadAndReset() float64 {
	if s.idx < len(s.rates)-1 {
		s.idx++
		return s.rates[s.idx-1]
	}
	return s.rates[len(s.rates)-1]
}

// fakeSleep records requested sleeps without actually sleeping.
func fakeSleep(slept *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		*slept = append(*slept, d)
		return nil
	}
}

func TestController_Calibrate(t *testing.T) {
	t.Parallel()

	t.Run("averages samples times fraction", func(t *testing.T) {
		t.Parallel()
		sampler := &scriptSampler{rates: []float64{100, 200, 300}}
		c := New(Config{Enabled: true, Threshold: Calibrated(0.5)}, sampler)
		var slept []time.Duration
		c.sleep = fakeSleep(&slept)

		require.NoError(t, c.Calibrate(context.Background()))
		// (100+200+300)*0.5/3 = 100
		assert.InDelta(t, 100.0, c.Threshold(), 0.001)
		assert.Equal(t, []time.Duration{
			calibrateInterval, calibrateInterval, calibrateInterval,
		}, slept)
	})

	t.Run("explicit threshold skips sampling", func(t *testing.T) {
		t.Parallel()
		sampler := &scriptSampler{rates: []float64{9999}}
		c := New(Config{Enabled: true, Threshold: Explicit(42)}, sampler)
		var slept []time.Duration
		c.sleep = fakeSleep(&slept)

		require.NoError(t, c.Calibrate(context.Background()))
		assert.Equal(t, 42.0, c.Threshold())
		assert.Empty(t, slept)
	})

	t.Run("cancellation disables pacing", func(t *testing.T) {
		t.Parallel()
		sampler := &scriptSampler{rates: []float64{100}}
		c := New(Config{Enabled: true, Threshold: Calibrated(0.3)}, sampler)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := c.Calibrate(ctx)
		require.ErrorIs(t, err, context.Canceled)
		assert.False(t, c.Enabled())

		// Pause must now be a no-op.
		require.NoError(t, c.Pause(context.Background()))
	})
}

func TestController_Pause(t *testing.T) {
	t.Parallel()

	t.Run("pauses exactly the configured duration while busy", func(t *testing.T) {
		t.Parallel()
		sampler := &scriptSampler{rates: []float64{500, 500, 500, 10}}
		c := New(Config{
			Enabled:   true,
			Threshold: Explicit(100),
			Pause:     250 * time.Millisecond,
		}, sampler)
		var slept []time.Duration
		c.sleep = fakeSleep(&slept)
		require.NoError(t, c.Calibrate(context.Background()))

		for range 3 {
			require.NoError(t, c.Pause(context.Background()))
		}
		assert.Equal(t, []time.Duration{
			250 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond,
		}, slept)

		// Rate dropped below threshold: no further pauses.
		require.NoError(t, c.Pause(context.Background()))
		assert.Len(t, slept, 3)
	})

	t.Run("zero threshold pauses on any foreground IO", func(t *testing.T) {
		t.Parallel()
		sampler := &scriptSampler{rates: []float64{0.5}}
		c := New(Config{Enabled: true, Threshold: Explicit(0)}, sampler)
		var slept []time.Duration
		c.sleep = fakeSleep(&slept)
		require.NoError(t, c.Calibrate(context.Background()))

		require.NoError(t, c.Pause(context.Background()))
		assert.Len(t, slept, 1)
	})

	t.Run("idle sampler proceeds immediately", func(t *testing.T) {
		t.Parallel()
		sampler := &scriptSampler{rates: []float64{0}}
		c := New(Config{Enabled: true, Threshold: Explicit(0)}, sampler)
		var slept []time.Duration
		c.sleep = fakeSleep(&slept)
		require.NoError(t, c.Calibrate(context.Background()))

		require.NoError(t, c.Pause(context.Background()))
		assert.Empty(t, slept)
	})

	t.Run("disabled controller is a no-op", func(t *testing.T) {
		t.Parallel()
		c := New(Config{Enabled: false}, nil)
		require.NoError(t, c.Calibrate(context.Background()))
		require.NoError(t, c.Pause(context.Background()))
	})
}
