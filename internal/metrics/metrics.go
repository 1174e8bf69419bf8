// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bpf_pipeline"

// Metrics implements eventstream.Observer on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	dispatched   *prometheus.CounterVec
	decodeErrors *prometheus.CounterVec
	lost         *prometheus.CounterVec
	sinkDropped  prometheus.Counter
	attachments  prometheus.Gauge
}

// New creates the collectors. Go runtime and process collectors are
// registered alongside.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		registry: registry,

		dispatched: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_dispatched_total",
				Help:      "Records decoded and handed to the sink.",
			},
			[]string{"buffer"},
		),

		decodeErrors: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_errors_total",
				Help:      "Records the decoder rejected.",
			},
			[]string{"buffer"},
		),

		lost: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lost_samples_total",
				Help:      "Samples the kernel dropped because a perf buffer was full.",
			},
			[]string{"buffer"},
		),

		sinkDropped: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_dropped_total",
				Help:      "Decoded events dropped because the output sink fell behind.",
			},
		),

		attachments: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "attachments",
				Help:      "Live hook attachments.",
			},
		),
	}
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordDispatched counts one dispatched record from buffer.
func (m *Metrics) RecordDispatched(buffer string) {
	m.dispatched.WithLabelValues(buffer).Inc()
}

// RecordDecodeError counts one rejected record from buffer.
func (m *Metrics) RecordDecodeError(buffer string) {
	m.decodeErrors.WithLabelValues(buffer).Inc()
}

// RecordLost adds n lost samples for buffer.
func (m *Metrics) RecordLost(buffer string, n uint64) {
	m.lost.WithLabelValues(buffer).Add(float64(n))
}

// RecordSinkDrop counts one decoded event the output sink had no room for.
func (m *Metrics) RecordSinkDrop() {
	m.sinkDropped.Inc()
}

// AddAttachments moves the live attachments gauge by delta.
func (m *Metrics) AddAttachments(delta int) {
	m.attachments.Add(float64(delta))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve listens on addr and serves /metrics until ctx is done. It returns
// once the listener is bound; serving continues in the background.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) (net.Addr, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "metrics")

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
	}()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	logger.Info("serving metrics", "address", ln.Addr().String())
	return ln.Addr(), nil
}
