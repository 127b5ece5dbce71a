// Package metrics exposes stream-loop counters over Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set holds the registry and instruments for one process.
type Set struct {
	registry *prometheus.Registry

	streamedBytes  prometheus.Counter
	copiedBytes    prometheus.Counter
	iterations     prometheus.Counter
	pauses         prometheus.Counter
	pauseSeconds   prometheus.Counter
	foregroundRate prometheus.Gauge

	server *http.Server
}

// New builds a metric set under the given namespace.
func New(namespace string) *Set {
	s := &Set{
		registry: prometheus.NewRegistry(),
		streamedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streamed_bytes_total",
			Help:      "Bytes examined by the copy loop, copied or skipped.",
		}),
		copiedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "copied_bytes_total",
			Help:      "Bytes materialized into the target image.",
		}),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Copy loop iterations.",
		}),
		pauses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pauses_total",
			Help:      "Adaptive pacing pauses applied.",
		}),
		pauseSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pause_seconds_total",
			Help:      "Cumulative time spent in pacing pauses.",
		}),
		foregroundRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "foreground_iops",
			Help:      "Most recent foreground I/O rate sample (ops/sec).",
		}),
	}

	s.registry.MustRegister(
		s.streamedBytes,
		s.copiedBytes,
		s.iterations,
		s.pauses,
		s.pauseSeconds,
		s.foregroundRate,
	)
	return s
}

// ObserveIteration records one copy-loop iteration.
func (s *Set) ObserveIteration(streamed int64, copied bool) {
	s.iterations.Inc()
	s.streamedBytes.Add(float64(streamed))
	if copied {
		s.copiedBytes.Add(float64(streamed))
	}
}

// ObservePause records one applied pacing pause.
func (s *Set) ObservePause(d time.Duration) {
	s.pauses.Inc()
	s.pauseSeconds.Add(d.Seconds())
}

// SetForegroundRate publishes the latest sampled foreground I/O rate.
func (s *Set) SetForegroundRate(rate float64) {
	s.foregroundRate.Set(rate)
}

// Handler returns the scrape handler for this set's registry.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until Shutdown.
func (s *Set) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	s.server = &http.Server{Addr: addr, Handler: mux}

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the scrape endpoint.
func (s *Set) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
