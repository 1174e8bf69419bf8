package output

import (
	"context"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mrzor/bpf-pipeline/internal/bpf"
)

// DefaultFunnelSize is the funnel queue length used when none is given.
const DefaultFunnelSize = 1024

type funnelItem struct {
	event bpf.Event
	attrs []attribute.KeyValue
}

// Funnel forwards events from several producers to one EventHandler
// driven by a single goroutine. HandleEvent never blocks: when the queue
// is full the event is dropped and counted. A drop is a sink overflow, not
// a failure of the producer, so HandleEvent still returns nil.
type Funnel struct {
	ch      chan funnelItem
	logger  *slog.Logger
	dropped atomic.Uint64
	onDrop  func()
}

// NewFunnel creates a Funnel holding up to size pending events. onDrop,
// if set, is called for every dropped event.
func NewFunnel(size int, logger *slog.Logger, onDrop func()) *Funnel {
	if size <= 0 {
		size = DefaultFunnelSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Funnel{
		ch:     make(chan funnelItem, size),
		logger: logger.With("component", "funnel"),
		onDrop: onDrop,
	}
}

// HandleEvent queues a copy of event.
func (f *Funnel) HandleEvent(event *bpf.Event, attrs []attribute.KeyValue) error {
	select {
	case f.ch <- funnelItem{event: *event, attrs: attrs}:
		return nil
	default:
		if f.dropped.Add(1) == 1 {
			f.logger.Warn("sink is falling behind, dropping events")
		}
		if f.onDrop != nil {
			f.onDrop()
		}
		return nil
	}
}

// Dropped returns the number of events rejected because the queue was full.
func (f *Funnel) Dropped() uint64 {
	return f.dropped.Load()
}

// Run delivers queued events to h until ctx is done, then delivers what is
// still queued and returns. Handler errors are logged.
func (f *Funnel) Run(ctx context.Context, h EventHandler) {
	for {
		select {
		case <-ctx.Done():
			f.flush(h)
			return
		case it := <-f.ch:
			f.deliver(h, it)
		}
	}
}

func (f *Funnel) flush(h EventHandler) {
	for {
		select {
		case it := <-f.ch:
			f.deliver(h, it)
		default:
			return
		}
	}
}

func (f *Funnel) deliver(h EventHandler, it funnelItem) {
	if err := h.HandleEvent(&it.event, it.attrs); err != nil {
		f.logger.Warn("sink rejected event", "pid", it.event.Pid, "error", err)
	}
}
