// Package eventstream drains kernel event buffers and hands each record to a
// per-buffer decoder.
//
// A Stream is owned by one goroutine. Register the buffers to consume, then
// call Run, which blocks until the context is cancelled or a buffer fails:
//
//	s := eventstream.New(attached, eventstream.Options{Logger: logger})
//	if err := s.Register("events", proc.Decode); err != nil { ... }
//	defer s.Close()
//	err := s.Run(ctx, 100*time.Millisecond)
//
// Records from one buffer are delivered in the order the kernel committed
// them. No order is defined between records of different buffers.
package eventstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mrzor/bpf-pipeline/internal/ringbuffer"
)

// DefaultBatchSize caps the records read from one buffer per iteration.
const DefaultBatchSize = 256

// Decoder consumes one raw record. It runs on the polling goroutine and
// must not block.
type Decoder func(raw []byte) error

// BufferOpener resolves buffer names to readable sources.
// *bpfloader.Attached implements it.
type BufferOpener interface {
	OpenBuffer(name string) (ringbuffer.Source, error)
}

// Observer is notified of per-buffer outcomes.
type Observer interface {
	RecordDispatched(buffer string)
	RecordDecodeError(buffer string)
	RecordLost(buffer string, n uint64)
}

// Options configures a Stream.
type Options struct {
	// BatchSize defaults to DefaultBatchSize.
	BatchSize int
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Observer is optional.
	Observer Observer
}

// BufferStats are the running totals of one buffer.
type BufferStats struct {
	Dispatched   uint64 `json:"dispatched"`
	DecodeErrors uint64 `json:"decode_errors"`
	Lost         uint64 `json:"lost"`
}

type buffer struct {
	name string
	src  ringbuffer.Source
	dec  Decoder

	dispatched   atomic.Uint64
	decodeErrors atomic.Uint64
	lost         atomic.Uint64
}

// Stream polls the registered buffers.
type Stream struct {
	opener   BufferOpener
	logger   *slog.Logger
	observer Observer
	batch    int

	buffers []*buffer
	running atomic.Bool
}

// New creates a Stream reading buffers through opener.
func New(opener BufferOpener, opts Options) *Stream {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Stream{
		opener:   opener,
		logger:   opts.Logger.With("component", "eventstream"),
		observer: opts.Observer,
		batch:    opts.BatchSize,
	}
}

// Register opens the named buffer and routes its records to dec.
func (s *Stream) Register(name string, dec Decoder) error {
	if s.running.Load() {
		return &ConfigError{Buffer: name, Err: ErrRunning}
	}
	if dec == nil {
		return &ConfigError{Buffer: name, Err: errors.New("nil decoder")}
	}
	for _, b := range s.buffers {
		if b.name == name {
			return &ConfigError{Buffer: name, Err: ErrDuplicateBuffer}
		}
	}

	src, err := s.opener.OpenBuffer(name)
	if err != nil {
		return &ConfigError{Buffer: name, Err: err}
	}

	s.buffers = append(s.buffers, &buffer{name: name, src: src, dec: dec})
	s.logger.Debug("registered buffer", "buffer", name)
	return nil
}

// Run polls the registered buffers until ctx is done, then returns nil.
// Each iteration gives every buffer an equal share of pollInterval, so a
// cancellation is observed within one interval. A read failure other than
// an expired deadline stops the loop with a *PollError.
func (s *Stream) Run(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		return &ConfigError{Err: fmt.Errorf("poll interval must be positive, got %s", pollInterval)}
	}
	if len(s.buffers) == 0 {
		return &ConfigError{Err: ErrNoBuffers}
	}
	if !s.running.CompareAndSwap(false, true) {
		return &ConfigError{Err: ErrRunning}
	}
	defer s.running.Store(false)

	s.logger.Info("polling", "buffers", len(s.buffers), "interval", pollInterval, "batch", s.batch)

	n := time.Duration(len(s.buffers))
	for {
		if ctx.Err() != nil {
			s.logger.Info("stopped", "reason", context.Cause(ctx))
			return nil
		}

		start := time.Now()
		for i, b := range s.buffers {
			deadline := start.Add(pollInterval * time.Duration(i+1) / n)
			if err := s.drain(b, deadline); err != nil {
				return err
			}
		}
	}
}

// drain reads from b until deadline passes or the batch limit is reached.
func (s *Stream) drain(b *buffer, deadline time.Time) error {
	b.src.SetDeadline(deadline)

	for range s.batch {
		rec, err := b.src.Read()
		if err != nil {
			if ringbuffer.IsTimeout(err) {
				return nil
			}
			return &PollError{Buffer: b.name, Err: err}
		}

		if rec.LostSamples > 0 {
			b.lost.Add(rec.LostSamples)
			if s.observer != nil {
				s.observer.RecordLost(b.name, rec.LostSamples)
			}
			s.logger.Warn("kernel dropped samples", "buffer", b.name, "lost", rec.LostSamples)
		}
		if len(rec.RawSample) == 0 {
			continue
		}

		if err := b.dec(rec.RawSample); err != nil {
			b.decodeErrors.Add(1)
			if s.observer != nil {
				s.observer.RecordDecodeError(b.name)
			}
			s.logger.Warn("dropping record", "buffer", b.name, "error", err)
			continue
		}
		b.dispatched.Add(1)
		if s.observer != nil {
			s.observer.RecordDispatched(b.name)
		}
	}
	return nil
}

// Buffers returns the registered buffer names in registration order.
func (s *Stream) Buffers() []string {
	names := make([]string, len(s.buffers))
	for i, b := range s.buffers {
		names[i] = b.name
	}
	return names
}

// Stats returns the running totals by buffer name. It is safe to call while
// Run is in progress.
func (s *Stream) Stats() map[string]BufferStats {
	out := make(map[string]BufferStats, len(s.buffers))
	for _, b := range s.buffers {
		out[b.name] = BufferStats{
			Dispatched:   b.dispatched.Load(),
			DecodeErrors: b.decodeErrors.Load(),
			Lost:         b.lost.Load(),
		}
	}
	return out
}

// Close closes every opened buffer reader.
func (s *Stream) Close() error {
	var errs []error
	for _, b := range s.buffers {
		if err := b.src.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing buffer %q: %w", b.name, err))
		}
	}
	return errors.Join(errs...)
}
