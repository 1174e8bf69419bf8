package output

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrzor/bpf-pipeline/internal/bpf"
)

// Span names.
const (
	SessionSpanName = "bpf-pipeline.session"
	EventSpanName   = "bpf.event"
)

// ErrClosed is returned by HandleEvent after Close.
var ErrClosed = errors.New("output: formatter closed")

// OTELOptions configures the session span.
type OTELOptions struct {
	// TraceID and ParentID hang the session span under an existing
	// trace. Both must be valid for the parent to apply.
	TraceID  trace.TraceID
	ParentID trace.SpanID
	// RunID is recorded on every span.
	RunID string
	// Attributes are set on the session span only.
	Attributes []attribute.KeyValue
}

// OTELFormatter emits one span per event, all children of a session span
// that lives until Close.
type OTELFormatter struct {
	mu      sync.Mutex
	tracer  trace.Tracer
	ctx     context.Context
	session trace.Span
	runID   string
	events  int64
	closed  bool
}

// NewOTELFormatter starts the session span.
func NewOTELFormatter(tracer trace.Tracer, opts OTELOptions) *OTELFormatter {
	ctx := context.Background()
	if opts.TraceID.IsValid() && opts.ParentID.IsValid() {
		ctx = trace.ContextWithRemoteSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    opts.TraceID,
			SpanID:     opts.ParentID,
			TraceFlags: trace.FlagsSampled,
			Remote:     true,
		}))
	}

	attrs := make([]attribute.KeyValue, 0, len(opts.Attributes)+1)
	if opts.RunID != "" {
		attrs = append(attrs, attribute.String("run_id", opts.RunID))
	}
	attrs = append(attrs, opts.Attributes...)

	ctx, session := tracer.Start(ctx, SessionSpanName,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	return &OTELFormatter{
		tracer:  tracer,
		ctx:     ctx,
		session: session,
		runID:   opts.RunID,
	}
}

// SpanContext returns the session span context.
func (f *OTELFormatter) SpanContext() trace.SpanContext {
	return f.session.SpanContext()
}

// HandleEvent records event as a child span of the session. Return
// records with a negative result are marked as errors.
func (f *OTELFormatter) HandleEvent(event *bpf.Event, attrs []attribute.KeyValue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	base := []attribute.KeyValue{
		semconv.ProcessPID(int(event.Pid)),
		semconv.ProcessCommand(event.Comm),
	}
	if event.Filename != "" {
		base = append(base, attribute.String("file.path", event.Filename))
	} else {
		base = append(base, attribute.Int64("bpf.ret", event.Ret))
	}
	if f.runID != "" {
		base = append(base, attribute.String("run_id", f.runID))
	}

	_, span := f.tracer.Start(f.ctx, EventSpanName,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(base...),
	)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if event.Filename == "" && event.Ret < 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("returned %d", event.Ret))
	}
	span.End()

	f.events++
	return nil
}

// Close ends the session span. Calling Close more than once is a no-op.
func (f *OTELFormatter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.session.SetAttributes(attribute.Int64("bpf.events", f.events))
	f.session.End()
	return nil
}
