// Package pipeline drives program handles through open, load and attach,
// and wires their event buffers to streams.
//
//	p, err := pipeline.Start(objects, processor.Decode, opts)
//	if err != nil {
//		// err is a *StageError naming open, load, attach or register
//	}
//	defer p.Close()
//	err = p.Run(ctx, 100*time.Millisecond)
//
// Close stops reading, then detaches and unloads every program in reverse
// start order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mrzor/bpf-pipeline/internal/bpfloader"
	"github.com/mrzor/bpf-pipeline/internal/eventstream"
)

// Stage names a setup step.
type Stage string

const (
	StageOpen     Stage = "open"
	StageLoad     Stage = "load"
	StageAttach   Stage = "attach"
	StageRegister Stage = "register"
)

// StageError reports which setup step failed for which object.
type StageError struct {
	Stage  Stage
	Object string
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Object, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Object is one compiled program and the buffers to read from it. A
// program with no buffers is attached and left running, its output going
// wherever the program writes it (trace_pipe for bpf_printk).
type Object struct {
	Source  bpfloader.Source
	Hooks   []bpfloader.Hook
	Buffers []string
}

// Observer receives stream outcomes and attachment changes.
type Observer interface {
	eventstream.Observer
	AddAttachments(delta int)
}

// Options configures Start.
type Options struct {
	// Kernel defaults to bpfloader.DefaultKernel().
	Kernel bpfloader.Kernel
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Observer is optional.
	Observer  Observer
	PerfPages int
	BatchSize int
	// RecordSize is the fixed size of the records dec expects. Perf
	// samples are trimmed to it.
	RecordSize int
}

type running struct {
	name   string
	handle *bpfloader.Attached
	stream *eventstream.Stream
}

// Pipeline owns every started program and its stream.
type Pipeline struct {
	logger   *slog.Logger
	observer Observer
	objects  []running
	closed   bool
}

// Start opens, loads and attaches every object in order and registers its
// buffers with dec. On failure everything already started is torn down and
// a *StageError is returned.
func Start(objects []Object, dec eventstream.Decoder, opts Options) (*Pipeline, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	p := &Pipeline{
		logger:   opts.Logger.With("component", "pipeline"),
		observer: opts.Observer,
	}
	for _, obj := range objects {
		if err := p.start(obj, dec, opts); err != nil {
			if cerr := p.Close(); cerr != nil {
				p.logger.Error("rollback failed", "error", cerr)
			}
			return nil, err
		}
	}
	return p, nil
}

func (p *Pipeline) start(obj Object, dec eventstream.Decoder, opts Options) error {
	name := obj.Source.String()

	spec, err := bpfloader.Open(obj.Source, bpfloader.Options{
		Hooks:      obj.Hooks,
		Kernel:     opts.Kernel,
		Logger:     opts.Logger,
		PerfPages:  opts.PerfPages,
		RecordSize: opts.RecordSize,
	})
	if err != nil {
		return &StageError{Stage: StageOpen, Object: name, Err: err}
	}

	coll, err := spec.Load()
	if err != nil {
		return &StageError{Stage: StageLoad, Object: name, Err: err}
	}

	att, err := coll.Attach()
	if err != nil {
		if cerr := coll.Close(); cerr != nil {
			p.logger.Error("unload after attach failure", "object", name, "error", cerr)
		}
		return &StageError{Stage: StageAttach, Object: name, Err: err}
	}

	r := running{name: name, handle: att}
	if len(obj.Buffers) > 0 {
		r.stream = eventstream.New(att, eventstream.Options{
			BatchSize: opts.BatchSize,
			Logger:    opts.Logger.With("object", name),
			Observer:  opts.Observer,
		})
	}
	p.objects = append(p.objects, r)
	if p.observer != nil {
		p.observer.AddAttachments(att.Len())
	}

	for _, b := range obj.Buffers {
		if err := r.stream.Register(b, dec); err != nil {
			return &StageError{Stage: StageRegister, Object: name, Err: err}
		}
	}
	return nil
}

// Run polls every buffer until ctx is done. With no buffers it just waits
// for ctx, keeping the programs attached.
func (p *Pipeline) Run(ctx context.Context, pollInterval time.Duration) error {
	var streams []*eventstream.Stream
	for _, r := range p.objects {
		if r.stream != nil {
			streams = append(streams, r.stream)
		}
	}

	if len(streams) == 0 {
		p.logger.Info("no buffers to read, waiting for shutdown", "programs", len(p.objects))
		<-ctx.Done()
		return nil
	}
	return eventstream.RunAll(ctx, pollInterval, streams...)
}

// Attachments returns the number of live hooks across all programs.
func (p *Pipeline) Attachments() int {
	n := 0
	for _, r := range p.objects {
		n += r.handle.Len()
	}
	return n
}

// Handles returns the attached programs in start order.
func (p *Pipeline) Handles() []*bpfloader.Attached {
	out := make([]*bpfloader.Attached, len(p.objects))
	for i, r := range p.objects {
		out[i] = r.handle
	}
	return out
}

// Stats returns buffer totals keyed by object, then buffer name.
func (p *Pipeline) Stats() map[string]map[string]eventstream.BufferStats {
	out := make(map[string]map[string]eventstream.BufferStats, len(p.objects))
	for _, r := range p.objects {
		if r.stream != nil {
			out[r.name] = r.stream.Stats()
		}
	}
	return out
}

// Close closes the buffer readers, then detaches and unloads the programs,
// most recently started first. It is safe to call more than once.
func (p *Pipeline) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for i := len(p.objects) - 1; i >= 0; i-- {
		r := p.objects[i]
		if r.stream != nil {
			if err := r.stream.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", r.name, err))
			}
		}

		live := r.handle.Len()
		if err := r.handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.name, err))
		}
		if p.observer != nil {
			p.observer.AddAttachments(-live)
		}
	}
	return errors.Join(errs...)
}
