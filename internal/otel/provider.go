// Package otel provides OpenTelemetry tracer provider initialization and management.
package otel

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrzor/bpf-pipeline/internal/config"
)

// ProviderOptions configures InitProvider.
type ProviderOptions struct {
	// Version is recorded as service.version.
	Version string
	// TraceID, when valid, is used for every root span instead of a
	// random one.
	TraceID trace.TraceID
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// logProxy records the proxy environment, since the HTTP exporter honors
// HTTP_PROXY, HTTPS_PROXY and NO_PROXY through net/http.
func logProxy(logger *slog.Logger) {
	httpProxy := os.Getenv("HTTP_PROXY")
	if httpProxy == "" {
		httpProxy = os.Getenv("http_proxy")
	}
	httpsProxy := os.Getenv("HTTPS_PROXY")
	if httpsProxy == "" {
		httpsProxy = os.Getenv("https_proxy")
	}

	if httpProxy != "" || httpsProxy != "" {
		logger.Debug("proxy configuration", "http_proxy", httpProxy, "https_proxy", httpsProxy)
	} else {
		logger.Debug("no proxy configured")
	}
}

// exporterOptions maps cfg onto otlptracehttp options. An endpoint with a
// scheme is taken as a full URL, otherwise as host:port.
func exporterOptions(cfg *config.OTELConfig) []otlptracehttp.Option {
	endpoint := cfg.Endpoint()

	opts := []otlptracehttp.Option{otlptracehttp.WithTimeout(10 * time.Second)}
	if strings.Contains(endpoint, "://") {
		opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
	}
	return opts
}

// InitProvider creates a tracer provider exporting over OTLP/HTTP with a
// batch span processor.
func InitProvider(ctx context.Context, cfg *config.OTELConfig, opts ProviderOptions) (*sdktrace.TracerProvider, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "otel")

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	logger.Info("OTEL configuration",
		"service_name", cfg.ServiceName,
		"endpoint", cfg.Endpoint(),
		"insecure", cfg.Insecure,
		"resource_attributes", cfg.ResourceAttributes,
	)
	logProxy(logger)

	exporter, err := otlptracehttp.New(ctx, exporterOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := newResource(ctx, cfg, opts.Version)
	if err != nil {
		return nil, err
	}

	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	}
	if opts.TraceID.IsValid() {
		providerOpts = append(providerOpts, sdktrace.WithIDGenerator(NewFixedTraceIDGenerator(opts.TraceID)))
	}
	return sdktrace.NewTracerProvider(providerOpts...), nil
}

func newResource(ctx context.Context, cfg *config.OTELConfig, version string) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if version != "" {
		attrs = append(attrs, semconv.ServiceVersion(version))
	}
	attrs = append(attrs, cfg.ParseResourceAttributes()...)

	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// ShutdownProvider gracefully shuts down the tracer provider, flushing any remaining spans.
func ShutdownProvider(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}

	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}

	return nil
}

// FixedTraceIDGenerator puts every new root span in one trace. Span IDs
// are random.
type FixedTraceIDGenerator struct {
	traceID trace.TraceID
}

// NewFixedTraceIDGenerator returns a generator for traceID.
func NewFixedTraceIDGenerator(traceID trace.TraceID) *FixedTraceIDGenerator {
	return &FixedTraceIDGenerator{traceID: traceID}
}

// NewIDs implements sdktrace.IDGenerator.
func (g *FixedTraceIDGenerator) NewIDs(ctx context.Context) (trace.TraceID, trace.SpanID) {
	return g.traceID, g.NewSpanID(ctx, g.traceID)
}

// NewSpanID implements sdktrace.IDGenerator.
func (g *FixedTraceIDGenerator) NewSpanID(_ context.Context, _ trace.TraceID) trace.SpanID {
	var sid trace.SpanID
	for !sid.IsValid() {
		_, _ = rand.Read(sid[:])
	}
	return sid
}
