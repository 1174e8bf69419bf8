package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mrzor/bpf-pipeline/internal/bpf"
	"github.com/mrzor/bpf-pipeline/internal/config"
)

// EventHandler is the interface for handling decoded events. attrs holds
// the evaluated custom attributes, possibly none.
type EventHandler interface {
	HandleEvent(event *bpf.Event, attrs []attribute.KeyValue) error
}

// Formatter is an EventHandler that owns an output and must be closed.
type Formatter interface {
	EventHandler
	Close() error
}

// NewFormatter returns the line formatter for format (text or json)
// writing to w. OTEL output needs a tracer and is built with
// NewOTELFormatter.
func NewFormatter(format string, w io.Writer) (Formatter, error) {
	switch strings.ToLower(format) {
	case config.OutputText:
		return NewTextFormatter(w), nil
	case config.OutputJSON:
		return NewJSONFormatter(w), nil
	default:
		return nil, fmt.Errorf("unsupported line format %q", format)
	}
}

// TextFormatter writes one line per event:
//
//	PID: 1234, CMD: bash, FILE: /tmp/x
//
// followed by " name=value" for every custom attribute.
type TextFormatter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTextFormatter creates a TextFormatter writing to w.
func NewTextFormatter(w io.Writer) *TextFormatter {
	return &TextFormatter{w: w}
}

// HandleEvent writes the line for event.
func (f *TextFormatter) HandleEvent(event *bpf.Event, attrs []attribute.KeyValue) error {
	var b strings.Builder
	b.WriteString(event.String())
	for _, kv := range attrs {
		fmt.Fprintf(&b, " %s=%s", kv.Key, kv.Value.Emit())
	}
	b.WriteByte('\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := io.WriteString(f.w, b.String()); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Close is a no-op; the writer belongs to the caller.
func (f *TextFormatter) Close() error { return nil }

// JSONFormatter writes one JSON object per line.
type JSONFormatter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

type jsonRecord struct {
	*bpf.Event
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NewJSONFormatter creates a JSONFormatter writing to w.
func NewJSONFormatter(w io.Writer) *JSONFormatter {
	return &JSONFormatter{enc: json.NewEncoder(w)}
}

// HandleEvent writes the JSON object for event.
func (f *JSONFormatter) HandleEvent(event *bpf.Event, attrs []attribute.KeyValue) error {
	rec := jsonRecord{Event: event}
	if len(attrs) > 0 {
		rec.Attributes = make(map[string]string, len(attrs))
		for _, kv := range attrs {
			rec.Attributes[string(kv.Key)] = kv.Value.Emit()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return nil
}

// Close is a no-op; the writer belongs to the caller.
func (f *JSONFormatter) Close() error { return nil }
