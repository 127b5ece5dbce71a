// Package stream implements the streaming copy engine: a single cooperative
// loop that walks the target image in chunks, copies every range allocated
// only in intermediate images, and collapses the backing chain on success.
package stream

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"golang.org/x/time/rate"

	"github.com/bamsammich/chainstream/internal/chain"
	"github.com/bamsammich/chainstream/internal/event"
	"github.com/bamsammich/chainstream/internal/graph"
	"github.com/bamsammich/chainstream/internal/iops"
	"github.com/bamsammich/chainstream/internal/pace"
	"github.com/bamsammich/chainstream/internal/stats"
)

// streamChunk is the per-iteration copy ceiling. Large enough to cover
// several allocation units per probe so populating contiguous regions stays
// efficient, small enough to keep cancellation responsive.
const streamChunk = 512 * 1024

// RangeRecorder receives every materialized range, e.g. for journaling.
type RangeRecorder interface {
	Record(off, length int64, digest string) error
}

// Observer receives loop telemetry, e.g. for a metrics endpoint.
type Observer interface {
	ObserveIteration(streamed int64, copied bool)
	ObservePause(d time.Duration)
}

// Config is the full session configuration surface.
type Config struct {
	Target graph.NodeID
	// Base bounds the flatten from below (kept, not copied). Bottom
	// names the lowest node to flatten instead. Mutually exclusive.
	Base   graph.NodeID
	Bottom graph.NodeID

	BackingOverride string
	MaskProtocol    bool
	FilterName      string

	// BytesPerSec caps copy throughput; zero means unlimited.
	BytesPerSec int64
	OnError     Policy
	Pacing      pace.Config

	Events  chan<- event.Event
	Journal RangeRecorder
	Metrics Observer
}

// Session is a live streaming run over one target. Created by New, driven
// by Run, finished by Prepare (success only) and Clean (always).
type Session struct {
	id  string
	g   *graph.Graph
	cfg Config
	lay chain.Layout

	tracker  *iops.Tracker
	pacer    *pace.Controller
	limiter  *rate.Limiter
	progress *stats.Collector

	cleanOnce sync.Once
}

// New resolves the chain topology, inserts the copy-on-read filter, and
// builds the session. On any setup failure the graph is left untouched.
func New(g *graph.Graph, cfg Config) (*Session, error) {
	if cfg.BackingOverride != "" && cfg.Bottom != 0 {
		return nil, fmt.Errorf("backing override and bottom are mutually exclusive")
	}

	s := &Session{
		id:       "stream-" + uuid.New().String()[:8],
		g:        g,
		cfg:      cfg,
		progress: stats.NewCollector(),
	}

	lay, err := chain.Setup(g, s.id, chain.SetupOptions{
		Target:     cfg.Target,
		Base:       cfg.Base,
		Bottom:     cfg.Bottom,
		FilterName: cfg.FilterName,
	})
	if err != nil {
		return nil, err
	}
	s.lay = lay

	// The filter is the node sitting in the foreground I/O path; meter it.
	s.tracker = iops.New()
	if err := g.AttachTracker(lay.Filter, s.tracker); err != nil {
		chain.Teardown(g, s.id, cfg.Target, &s.lay)
		return nil, err
	}

	s.pacer = pace.New(cfg.Pacing, s.tracker)
	s.pacer.OnPause = func(d time.Duration) {
		s.progress.AddPause(d)
		if cfg.Metrics != nil {
			cfg.Metrics.ObservePause(d)
		}
		event.Emit(cfg.Events, event.Event{
			Type: event.PauseApplied,
			Node: g.Name(cfg.Target),
		})
	}
	if gauge, ok := cfg.Metrics.(interface{ SetForegroundRate(float64) }); ok {
		s.pacer.OnSample = gauge.SetForegroundRate
	}

	if cfg.BytesPerSec > 0 {
		s.limiter = newBWLimiter(cfg.BytesPerSec)
	}

	event.Emit(cfg.Events, event.Event{
		Type: event.SessionStarted,
		Node: g.Name(cfg.Target),
	})
	slog.Info("stream session created",
		"session", s.id,
		"target", g.Name(cfg.Target),
		"base_overlay", g.Name(lay.BaseOverlay),
		"read_only_reopened", lay.WasReadOnly,
		"pacing", s.pacer.Enabled(),
	)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Progress returns a point-in-time progress snapshot.
func (s *Session) Progress() stats.Snapshot { return s.progress.Snapshot() }

// Collector exposes the live counters for presenters.
func (s *Session) Collector() *stats.Collector { return s.progress }

// Run executes the copy loop until completion, first reported error, or
// cancellation. Cancellation is a clean stop: the partial stream is valid
// and resumable, and no error is synthesized for it. The returned error is
// the first remembered copy/probe error per the session policy, or nil.
func (s *Session) Run(ctx context.Context) error {
	unfiltered := s.g.SkipFilters(s.cfg.Target)
	if unfiltered == s.lay.BaseOverlay {
		// Nothing to stream.
		return nil
	}

	length, err := s.g.Len(s.cfg.Target)
	if err != nil {
		return err
	}
	s.progress.SetTotal(length)

	if s.pacer.Enabled() {
		if err := s.pacer.Calibrate(ctx); err != nil {
			slog.Debug("calibration aborted, pacing disabled",
				"session", s.id, "error", err)
		} else {
			event.Emit(s.cfg.Events, event.Event{
				Type: event.Calibrated,
				Rate: s.pacer.Threshold(),
			})
			slog.Info("adaptive threshold set",
				"session", s.id, "threshold", s.pacer.Threshold())
		}
	}

	stop := s.g.FilterOrCOWChild(s.lay.BaseOverlay)
	var firstErr error
	var n int64

loop:
	for offset := int64(0); offset < length; offset += n {
		n = 0

		// Yield once per iteration even with no rate limit so external
		// quiesce requests can proceed.
		if err := s.yield(ctx); err != nil {
			event.Emit(s.cfg.Events, event.Event{Type: event.Cancelled})
			break
		}
		if err := s.pacer.Pause(ctx); err != nil {
			event.Emit(s.cfg.Events, event.Event{Type: event.Cancelled})
			break
		}

		chunk := length - offset
		if chunk > streamChunk {
			chunk = streamChunk
		}

		copyRange := false
		alloc, run, err := s.g.Allocated(unfiltered, offset, chunk)
		if err == nil {
			n = run
			if !alloc {
				// Copy if allocated in the intermediate images, limited
				// to the known-unallocated run.
				var above bool
				above, run, err = s.g.AllocatedAbove(
					s.g.COWChild(unfiltered), stop, offset, n)
				if err == nil {
					n = run
					if !above && n == 0 {
						// The rest comes straight from the base; no
						// further per-chunk examination needed.
						n = length - offset
					}
					copyRange = above
				}
			}
		}

		event.Emit(s.cfg.Events, event.Event{
			Type:   event.Iteration,
			Offset: offset,
			Length: n,
			Copied: copyRange,
			Error:  err,
		})

		if err == nil && copyRange {
			err = s.populate(offset, n)
		}
		if err != nil {
			switch resolveAction(err, s.cfg.OnError) {
			case ActionStop:
				n = 0
				continue
			case ActionReport:
				if firstErr == nil {
					firstErr = err
				}
				event.Emit(s.cfg.Events, event.Event{
					Type: event.CopyFailed, Offset: offset, Error: err,
				})
				break loop
			default:
				if firstErr == nil {
					firstErr = err
				}
				event.Emit(s.cfg.Events, event.Event{
					Type: event.CopyFailed, Offset: offset, Error: err,
				})
			}
		}

		copied := copyRange && err == nil
		s.progress.AddStreamed(n)
		s.progress.AddIterations(1)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ObserveIteration(n, copied)
		}
		if copied {
			s.progress.AddCopied(n)
			if s.limiter != nil {
				// Only copied bytes count against the byte budget.
				_ = s.limiter.WaitN(ctx, int(n))
			}
		}
	}

	return firstErr
}

// Prepare collapses the chain. Call only after an error-free Run; the job
// adapter leaves the chain untouched otherwise.
func (s *Session) Prepare() error {
	err := chain.Finalize(s.g, s.cfg.Target, &s.lay, chain.FinalizeOptions{
		BackingOverride: s.cfg.BackingOverride,
		MaskProtocol:    s.cfg.MaskProtocol,
	})
	if err != nil {
		return err
	}
	event.Emit(s.cfg.Events, event.Event{
		Type: event.ChainCollapsed,
		Node: s.g.Name(s.cfg.Target),
	})
	slog.Info("backing chain collapsed", "session", s.id)
	return nil
}

// Clean releases the filter, write blockers, and read-only state. It runs
// exactly once no matter how often it is called or which exit path was
// taken.
func (s *Session) Clean() {
	s.cleanOnce.Do(func() {
		chain.Teardown(s.g, s.id, s.cfg.Target, &s.lay)
		event.Emit(s.cfg.Events, event.Event{Type: event.SessionClean})
		slog.Debug("stream session cleaned", "session", s.id)
	})
}

// populate materializes one range through the filter, teeing the bytes into
// a digest when a journal is attached.
func (s *Session) populate(off, length int64) error {
	if s.cfg.Journal == nil {
		return s.g.Prefetch(s.lay.Filter, off, length, nil)
	}
	h := blake3.New()
	if err := s.g.Prefetch(s.lay.Filter, off, length, h); err != nil {
		return err
	}
	digest := hex.EncodeToString(h.Sum(nil))
	if err := s.cfg.Journal.Record(off, length, digest); err != nil {
		slog.Warn("journal record failed", "session", s.id, "error", err)
	}
	return nil
}

func (s *Session) yield(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runtime.Gosched()
	return nil
}

// newBWLimiter caps aggregate copy throughput to bytesPerSec. The burst is
// one chunk so a full iteration's WaitN always fits in a single request.
func newBWLimiter(bytesPerSec int64) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(bytesPerSec), streamChunk)
}
