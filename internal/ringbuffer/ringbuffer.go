// Package ringbuffer adapts the kernel-to-user event channels exposed by
// cilium/ebpf to a single read interface.
package ringbuffer

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/ringbuf"
)

// DefaultPerfPages is the per-CPU perf buffer size in pages.
const DefaultPerfPages = 8

var (
	// ErrClosed is returned by Read after Close.
	ErrClosed = errors.New("ring buffer closed")

	// ErrUnsupportedMap is returned for maps that cannot carry events.
	ErrUnsupportedMap = errors.New("map type cannot carry events")
)

// Record is one sample read from a buffer.
type Record struct {
	RawSample []byte
	// LostSamples is the number of samples the kernel dropped before
	// this one. Only perf buffers report it; when non-zero RawSample is empty.
	LostSamples uint64
}

// Source is a single-consumer event buffer.
type Source interface {
	// SetDeadline bounds subsequent Read calls. A zero time blocks forever.
	SetDeadline(t time.Time)
	// Read blocks until a record is available, the deadline passes
	// (os.ErrDeadlineExceeded) or the source is closed (ErrClosed).
	Read() (Record, error)
	Close() error
}

// IsTimeout reports whether err only signals an expired deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// Options configures Open.
type Options struct {
	// PerfPages sizes per-CPU perf buffers. Defaults to DefaultPerfPages.
	PerfPages int
	// RecordSize is the fixed size of the records carried, if any. Perf
	// samples longer than it by less than 8 bytes are cut back to it.
	RecordSize int
}

// Open returns a Source for a BPF_MAP_TYPE_RINGBUF or
// BPF_MAP_TYPE_PERF_EVENT_ARRAY map.
func Open(m *ebpf.Map, opts Options) (Source, error) {
	switch m.Type() {
	case ebpf.RingBuf:
		return NewRing(m)
	case ebpf.PerfEventArray:
		return NewPerf(m, opts)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMap, m.Type())
	}
}

type ringSource struct {
	rd *ringbuf.Reader
}

// NewRing opens a reader on a ring buffer map.
func NewRing(m *ebpf.Map) (Source, error) {
	rd, err := ringbuf.NewReader(m)
	if err != nil {
		return nil, fmt.Errorf("opening ring buffer: %w", err)
	}
	return &ringSource{rd: rd}, nil
}

func (s *ringSource) SetDeadline(t time.Time) {
	s.rd.SetDeadline(t)
}

func (s *ringSource) Read() (Record, error) {
	rec, err := s.rd.Read()
	if err != nil {
		if errors.Is(err, ringbuf.ErrClosed) {
			return Record{}, ErrClosed
		}
		return Record{}, err
	}
	return Record{RawSample: rec.RawSample}, nil
}

func (s *ringSource) Close() error {
	return s.rd.Close()
}

type perfSource struct {
	rd *perf.Reader
}

// NewPerf opens a reader on a perf event array.
func NewPerf(m *ebpf.Map, opts Options) (Source, error) {
	pages := opts.PerfPages
	if pages <= 0 {
		pages = DefaultPerfPages
	}
	rd, err := perf.NewReader(m, pages*os.Getpagesize())
	if err != nil {
		return nil, fmt.Errorf("opening perf buffer: %w", err)
	}
	return trimPadding(&perfSource{rd: rd}, opts.RecordSize), nil
}

func (s *perfSource) SetDeadline(t time.Time) {
	s.rd.SetDeadline(t)
}

func (s *perfSource) Read() (Record, error) {
	rec, err := s.rd.Read()
	if err != nil {
		if errors.Is(err, perf.ErrClosed) {
			return Record{}, ErrClosed
		}
		return Record{}, err
	}
	return Record{RawSample: rec.RawSample, LostSamples: rec.LostSamples}, nil
}

func (s *perfSource) Close() error {
	return s.rd.Close()
}

// perfPadding bounds the trailing garbage the kernel leaves on perf samples,
// which are padded so that sample plus size header is 8-byte aligned.
const perfPadding = 8

type trimmedSource struct {
	Source
	size int
}

// trimPadding cuts samples read from src back to size when they exceed it
// by less than perfPadding. Other lengths pass through for the decoder to
// reject. A non-positive size returns src unchanged.
func trimPadding(src Source, size int) Source {
	if size <= 0 {
		return src
	}
	return &trimmedSource{Source: src, size: size}
}

func (s *trimmedSource) Read() (Record, error) {
	rec, err := s.Source.Read()
	if err != nil {
		return rec, err
	}
	if n := len(rec.RawSample); n > s.size && n < s.size+perfPadding {
		rec.RawSample = rec.RawSample[:s.size]
	}
	return rec, nil
}
