package eventprocessor

import (
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mrzor/bpf-pipeline/internal/attributes"
	"github.com/mrzor/bpf-pipeline/internal/bpf"
	"github.com/mrzor/bpf-pipeline/internal/output"
	"github.com/mrzor/bpf-pipeline/internal/procmeta"
)

// Processor decodes raw records and hands them to an output handler along
// with their custom attributes.
type Processor struct {
	handler         output.EventHandler
	evaluator       *attributes.Evaluator
	metadataManager *procmeta.Manager
	logger          *slog.Logger
	sinkErrors      atomic.Uint64
}

// NewProcessor creates a new event processor. evaluator and
// metadataManager may be nil; without a manager, expressions that read
// process variables see empty values.
func NewProcessor(
	handler output.EventHandler,
	evaluator *attributes.Evaluator,
	metadataManager *procmeta.Manager,
	logger *slog.Logger,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		handler:         handler,
		evaluator:       evaluator,
		metadataManager: metadataManager,
		logger:          logger.With("component", "eventprocessor"),
	}
}

// Decode is an eventstream.Decoder. Malformed records are returned as
// *bpf.DecodeError without reaching the handler. A well-formed record the
// handler fails to write is logged and counted in SinkErrors, and is not
// reported as a decode failure.
func (p *Processor) Decode(raw []byte) error {
	event, err := bpf.Decode(raw)
	if err != nil {
		return err
	}
	if err := p.HandleEvent(&event); err != nil {
		p.sinkErrors.Add(1)
		p.logger.Warn("sink rejected event", "pid", event.Pid, "error", err)
	}
	return nil
}

// SinkErrors returns the number of decoded events the handler rejected.
func (p *Processor) SinkErrors() uint64 {
	return p.sinkErrors.Load()
}

// HandleEvent evaluates custom attributes for event and forwards it.
func (p *Processor) HandleEvent(event *bpf.Event) error {
	return p.handler.HandleEvent(event, p.attributes(event))
}

func (p *Processor) attributes(event *bpf.Event) []attribute.KeyValue {
	if p.evaluator.Len() == 0 {
		return nil
	}

	subject := attributes.Subject{Event: *event}
	if p.evaluator.NeedsProcess() && p.metadataManager != nil {
		metadata, err := p.metadataManager.Lookup(event.Pid)
		if err != nil {
			// Short-lived processes are often gone before their record is read.
			p.logger.Debug("process metadata unavailable", "pid", event.Pid, "error", err)
		}
		subject.Process = metadata
	}
	return p.evaluator.Evaluate(subject)
}
