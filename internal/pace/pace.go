// Package pace throttles background copying against measured foreground I/O.
// The controller samples an operation-rate meter once per copy-loop iteration
// and inserts a fixed pause whenever the rate is above a busy threshold.
package pace

import (
	"context"
	"log/slog"
	"time"
)

const (
	calibrateSamples  = 3
	calibrateInterval = 5 * time.Second

	// DefaultFraction expresses how much of the load observed at session
	// start counts as "busy" when calibrating.
	DefaultFraction = 0.3

	// DefaultPause is applied when the caller gives no pause duration.
	DefaultPause = 100 * time.Millisecond
)

// Sampler reads and resets the foreground operation rate.
type Sampler interface {
	ReadAndReset() float64
}

// Threshold is the busy-rate boundary. Explicit carries a caller-chosen
// rate; otherwise Value is the sampling fraction used during calibration.
// The tagged form avoids inferring intent from magnitude.
type Threshold struct {
	Explicit bool
	Value    float64
}

// Explicit returns a threshold fixed at rate ops/sec.
func Explicit(rate float64) Threshold {
	return Threshold{Explicit: true, Value: rate}
}

// Calibrated returns a threshold derived at session start from the observed
// rate scaled by fraction.
func Calibrated(fraction float64) Threshold {
	if fraction <= 0 {
		fraction = DefaultFraction
	}
	return Threshold{Value: fraction}
}

// Config describes a session's pacing behavior.
type Config struct {
	Enabled   bool
	Threshold Threshold
	Pause     time.Duration
}

// Controller decides, once per iteration, whether the copy loop should pause.
type Controller struct {
	cfg       Config
	sampler   Sampler
	threshold float64
	disabled  bool

	// OnPause, if set, observes every applied pause.
	OnPause func(d time.Duration)
	// OnSample, if set, observes every foreground rate sample taken by
	// Pause, applied or not.
	OnSample func(rate float64)

	sleep func(ctx context.Context, d time.Duration) error // overridable in tests
}

// New builds a controller. A nil sampler or a disabled config yields a
// controller whose Pause is a no-op.
func New(cfg Config, sampler Sampler) *Controller {
	if cfg.Pause <= 0 {
		cfg.Pause = DefaultPause
	}
	c := &Controller{
		cfg:     cfg,
		sampler: sampler,
		sleep:   sleepCtx,
	}
	if !cfg.Enabled || sampler == nil {
		c.disabled = true
	}
	return c
}

// Enabled reports whether pacing is live for this session.
func (c *Controller) Enabled() bool { return !c.disabled }

// Threshold returns the busy-rate boundary in effect.
func (c *Controller) Threshold() float64 { return c.threshold }

// Calibrate establishes the busy threshold. With an explicit threshold it is
// adopted as-is; otherwise the controller takes calibrateSamples readings
// spaced calibrateInterval apart and averages rate*fraction. The sleeps are
// cooperative: cancellation aborts calibration and disables pacing for the
// session rather than blocking the cancel request.
func (c *Controller) Calibrate(ctx context.Context) error {
	if c.disabled {
		return nil
	}
	if c.cfg.Threshold.Explicit {
		c.threshold = c.cfg.Threshold.Value
		return nil
	}

	fraction := c.cfg.Threshold.Value
	if fraction <= 0 {
		fraction = DefaultFraction
	}

	var sum float64
	for range calibrateSamples {
		if err := c.sleep(ctx, calibrateInterval); err != nil {
			c.disabled = true
			return err
		}
		sum += c.sampler.ReadAndReset() * fraction
	}
	c.threshold = sum / calibrateSamples
	slog.Debug("pace calibrated", "threshold", c.threshold, "fraction", fraction)
	return nil
}

// Pause samples the current foreground rate and, if it exceeds the
// threshold, suspends the caller for the configured pause duration. There is
// no hysteresis: every iteration re-checks, so sustained load keeps pausing
// and a quiet sampler resumes full speed on the next iteration. A threshold
// of zero pauses on any foreground I/O at all.
func (c *Controller) Pause(ctx context.Context) error {
	if c.disabled {
		return nil
	}
	rate := c.sampler.ReadAndReset()
	if c.OnSample != nil {
		c.OnSample(rate)
	}
	if rate <= c.threshold {
		return nil
	}
	if c.OnPause != nil {
		c.OnPause(c.cfg.Pause)
	}
	return c.sleep(ctx, c.cfg.Pause)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
