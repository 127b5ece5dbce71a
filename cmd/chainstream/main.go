package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bamsammich/chainstream/internal/chain"
	"github.com/bamsammich/chainstream/internal/config"
	"github.com/bamsammich/chainstream/internal/event"
	"github.com/bamsammich/chainstream/internal/graph"
	"github.com/bamsammich/chainstream/internal/job"
	"github.com/bamsammich/chainstream/internal/journal"
	"github.com/bamsammich/chainstream/internal/metrics"
	"github.com/bamsammich/chainstream/internal/pace"
	"github.com/bamsammich/chainstream/internal/platform"
	"github.com/bamsammich/chainstream/internal/stats"
	"github.com/bamsammich/chainstream/internal/stream"
)

var version = "dev"

func main() {
	os.Exit(run())
}

//nolint:gocyclo // main CLI entry point orchestrates all flag parsing
func run() int {
	var (
		basePath      string
		bottomPath    string
		backingFile   string
		maskProtocol  bool
		filterName    string
		bwLimitStr    string
		onErrorStr    string
		paceFlag      bool
		paceThreshold float64
		paceFraction  float64
		pauseDur      time.Duration
		journalPath   string
		metricsAddr   string
		useIOURing    bool
		verbose       bool
		quiet         bool
		showVersion   bool
	)

	rootCmd := &cobra.Command{
		Use:   "chainstream [flags] <image> [backing-image]...",
		Short: "Flatten a backing-file chain into the active image without downtime",
		Long: `chainstream copies data out of an image's backing chain into the image
itself, then rewrites the backing reference so the intermediate images can
be discarded. Backing images are listed top-down, immediate parent first.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				return nil
			}
			return cobra.MinimumNArgs(1)(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "chainstream %s\n", version)
				return nil
			}

			// Load optional config file.
			cfg, err := config.Load()
			if err != nil {
				slog.Warn("failed to load config", "error", err)
			}
			applyConfigDefaults(cmd, cfg,
				&bwLimitStr, &onErrorStr, &metricsAddr,
				&paceFlag, &paceThreshold, &paceFraction, &pauseDur)

			// Configure logging.
			logLevel := slog.LevelWarn
			if verbose {
				logLevel = slog.LevelDebug
			} else if !quiet {
				logLevel = slog.LevelInfo
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: logLevel,
			}))
			slog.SetDefault(logger)

			var bwLimit int64
			if bwLimitStr != "" {
				bwLimit, err = stats.ParseSize(bwLimitStr)
				if err != nil {
					return fmt.Errorf("invalid --bwlimit: %w", err)
				}
			}
			policy, err := stream.ParsePolicy(onErrorStr)
			if err != nil {
				return err
			}

			threshold := pace.Calibrated(paceFraction)
			if cmd.Flags().Changed("pace-threshold") {
				threshold = pace.Explicit(paceThreshold)
			} else if !cmd.Flags().Changed("pace-fraction") && cfg.Pace.Threshold != nil {
				threshold = pace.Explicit(*cfg.Pace.Threshold)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, target, err := buildGraph(args, useIOURing)
			if err != nil {
				return err
			}

			var base, bottom graph.NodeID
			if basePath != "" && bottomPath != "" {
				return errors.New("--base and --bottom are mutually exclusive")
			}
			if basePath != "" {
				if base, err = nodeByPath(g, args, basePath); err != nil {
					return err
				}
			}
			if bottomPath != "" {
				if bottom, err = nodeByPath(g, args, bottomPath); err != nil {
					return err
				}
			}

			var recorder stream.RangeRecorder
			var jnl *journal.Journal
			if journalPath != "" {
				path := journalPath
				target0, absErr := filepath.Abs(args[0])
				if absErr != nil {
					target0 = args[0]
				}
				if path == "auto" {
					path = journal.DefaultPath(target0)
				}
				jnl, err = journal.Open(path, target0)
				if err != nil {
					return fmt.Errorf("open journal: %w", err)
				}
				defer jnl.Close()
				recorder = jnl
				slog.Info("journaling ranges", "path", jnl.Path())
			}

			var mset *metrics.Set
			var observer stream.Observer
			if metricsAddr != "" {
				mset = metrics.New("chainstream")
				observer = mset
				go func() {
					if serveErr := mset.Serve(metricsAddr); serveErr != nil {
						slog.Warn("metrics endpoint failed", "error", serveErr)
					}
				}()
				defer func() {
					shutCtx, cancel := context.WithTimeout(context.Background(), time.Second)
					defer cancel()
					_ = mset.Shutdown(shutCtx)
				}()
			}

			events := make(chan event.Event, 256)
			eventsDone := make(chan struct{})
			go func() {
				defer close(eventsDone)
				logEvents(events)
			}()

			sess, err := stream.New(g, stream.Config{
				Target:          target,
				Base:            base,
				Bottom:          bottom,
				BackingOverride: backingFile,
				MaskProtocol:    maskProtocol,
				FilterName:      filterName,
				BytesPerSec:     bwLimit,
				OnError:         policy,
				Pacing: pace.Config{
					Enabled:   paceFlag,
					Threshold: threshold,
					Pause:     pauseDur,
				},
				Events:  events,
				Journal: recorder,
				Metrics: observer,
			})
			if err != nil {
				close(events)
				<-eventsDone
				return err
			}

			progressDone := make(chan struct{})
			go reportProgress(sess.Collector(), quiet, progressDone)

			result := job.Run(ctx, sess)
			stop()
			close(progressDone)
			close(events)
			<-eventsDone

			if !quiet {
				snap := sess.Progress()
				fmt.Fprintf(os.Stderr, "streamed %s, copied %s in %s (%d iterations, %d pauses)\n",
					stats.FormatBytes(snap.BytesStreamed),
					stats.FormatBytes(snap.BytesCopied),
					snap.Elapsed.Round(time.Millisecond),
					snap.Iterations, snap.Pauses)
			}

			switch {
			case result.Err != nil:
				var bue *chain.BackingUpdateError
				if errors.As(result.Err, &bue) {
					slog.Error("stream finished but the backing reference is stale",
						"error", result.Err)
					return &exitError{code: 1}
				}
				slog.Error("stream failed", "error", result.Err)
				return &exitError{code: 2}
			case result.Cancelled:
				slog.Info("stream interrupted, partial progress kept")
				if jnl != nil {
					slog.Info("journal kept for verification", "path", jnl.Path())
				}
				return nil
			default:
				if jnl != nil {
					_ = jnl.Flush()
				}
				return nil
			}
		},
	}

	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")

	rootCmd.Flags().
		StringVarP(&basePath, "base", "b", "", "keep this backing image and everything below it")
	rootCmd.Flags().
		StringVar(&bottomPath, "bottom", "", "lowest image to flatten (alternative to --base)")
	rootCmd.Flags().
		StringVar(&backingFile, "backing-file", "", "write this string as the new backing reference")
	rootCmd.Flags().
		BoolVar(&maskProtocol, "mask-protocol", false, "record protocol-backed bases as raw")
	rootCmd.Flags().
		StringVar(&filterName, "filter-node-name", "", "explicit name for the copy-on-read filter node")
	rootCmd.Flags().
		StringVar(&bwLimitStr, "bwlimit", "", "copy bandwidth limit (e.g. 100M, 1G)")
	rootCmd.Flags().
		StringVar(&onErrorStr, "on-error", "report", "error policy: report, ignore, stop, enospc")
	rootCmd.Flags().
		BoolVar(&paceFlag, "pace", false, "pause copying while foreground I/O is busy")
	rootCmd.Flags().
		Float64Var(&paceThreshold, "pace-threshold", 0, "busy threshold in ops/sec (skips calibration)")
	rootCmd.Flags().
		Float64Var(&paceFraction, "pace-fraction", pace.DefaultFraction, "calibration fraction of observed load")
	rootCmd.Flags().
		DurationVar(&pauseDur, "pause", pace.DefaultPause, "pause applied when foreground is busy")
	rootCmd.Flags().
		StringVar(&journalPath, "journal", "", "journal copied ranges to FILE (\"auto\" derives a path)")
	rootCmd.Flags().
		StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address")
	rootCmd.Flags().
		BoolVar(&useIOURing, "iouring", false, "use io_uring for image I/O (Linux only)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress all output except errors")

	rootCmd.AddCommand(verifyCmd())

	if err := rootCmd.Execute(); err != nil {
		if exitErr, ok := err.(*exitError); ok {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

// buildGraph opens the listed images bottom-up and links them into a chain.
// args[0] is the active image; the rest are its backing images, immediate
// parent first.
func buildGraph(args []string, useIOURing bool) (*graph.Graph, graph.NodeID, error) {
	var ring *platform.Ring
	if useIOURing {
		r, err := platform.NewRing()
		if err != nil {
			slog.Warn("io_uring unavailable, falling back to pread/pwrite", "error", err)
		}
		ring = r
	}

	g := graph.New()
	var below graph.NodeID
	for i := len(args) - 1; i >= 0; i-- {
		path, err := filepath.Abs(args[i])
		if err != nil {
			return nil, 0, err
		}
		// Only the active image is written; every backing image stays
		// read-only until a session reopens it.
		readOnly := i != 0
		store, err := graph.OpenFileStore(path, readOnly, ring)
		if err != nil {
			return nil, 0, fmt.Errorf("open %s: %w", args[i], err)
		}
		id, err := g.Add(graph.NodeOptions{
			Name:     filepath.Base(path),
			Format:   "raw",
			Path:     path,
			Protocol: true,
			ReadOnly: readOnly,
			Backing:  below,
			Store:    store,
		})
		if err != nil {
			return nil, 0, err
		}
		below = id
	}
	return g, below, nil
}

// nodeByPath resolves a --base/--bottom path against the argument list.
func nodeByPath(g *graph.Graph, args []string, path string) (graph.NodeID, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, err
	}
	for _, a := range args {
		aAbs, err := filepath.Abs(a)
		if err != nil {
			continue
		}
		if aAbs == abs {
			if id, ok := g.Lookup(filepath.Base(aAbs)); ok {
				return id, nil
			}
		}
	}
	return 0, fmt.Errorf("%s is not part of the chain", path)
}

// logEvents drains the session event stream into structured log records.
func logEvents(events <-chan event.Event) {
	for ev := range events {
		attrs := []slog.Attr{
			slog.String("type", ev.Type.String()),
		}
		if ev.Node != "" {
			attrs = append(attrs, slog.String("node", ev.Node))
		}
		if ev.Type == event.Iteration {
			attrs = append(attrs,
				slog.Int64("offset", ev.Offset),
				slog.Int64("length", ev.Length),
				slog.Bool("copied", ev.Copied))
		}
		if ev.Rate != 0 {
			attrs = append(attrs, slog.Float64("rate", ev.Rate))
		}
		if ev.Error != nil {
			attrs = append(attrs, slog.String("error", ev.Error.Error()))
		}
		level := slog.LevelDebug
		if ev.Type == event.CopyFailed {
			level = slog.LevelWarn
		}
		slog.LogAttrs(context.Background(), level, "stream.event", attrs...)
	}
}

// reportProgress ticks the throughput ring once per second and logs a
// progress line every ten.
func reportProgress(c *stats.Collector, quiet bool, done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var ticks int
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.Tick()
			ticks++
			if quiet || ticks%10 != 0 {
				continue
			}
			snap := c.Snapshot()
			slog.Info("streaming",
				"streamed", stats.FormatBytes(snap.BytesStreamed),
				"total", stats.FormatBytes(snap.BytesTotal),
				"speed", stats.FormatBytes(int64(c.RollingSpeed(10)))+"/s",
				"eta", c.ETA().Round(time.Second),
			)
		}
	}
}

// applyConfigDefaults applies config file defaults for flags not explicitly
// set on the CLI.
func applyConfigDefaults(
	cmd *cobra.Command,
	cfg config.Config,
	bwLimit *string,
	onError *string,
	metricsAddr *string,
	paceFlag *bool,
	paceThreshold *float64,
	paceFraction *float64,
	pauseDur *time.Duration,
) {
	if !cmd.Flags().Changed("bwlimit") && cfg.Defaults.BWLimit != nil {
		*bwLimit = *cfg.Defaults.BWLimit
	}
	if !cmd.Flags().Changed("on-error") && cfg.Defaults.OnError != nil {
		*onError = *cfg.Defaults.OnError
	}
	if !cmd.Flags().Changed("metrics-addr") && cfg.Defaults.MetricsAddr != nil {
		*metricsAddr = *cfg.Defaults.MetricsAddr
	}
	if !cmd.Flags().Changed("pace") && cfg.Pace.Enabled != nil {
		*paceFlag = *cfg.Pace.Enabled
	}
	if !cmd.Flags().Changed("pace-threshold") && cfg.Pace.Threshold != nil {
		*paceThreshold = *cfg.Pace.Threshold
	}
	if !cmd.Flags().Changed("pace-fraction") && cfg.Pace.Fraction != nil {
		*paceFraction = *cfg.Pace.Fraction
	}
	if !cmd.Flags().Changed("pause") && cfg.Pace.PauseMs != nil {
		*pauseDur = time.Duration(*cfg.Pace.PauseMs) * time.Millisecond
	}
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
