package bpfloader

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/features"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"

	"github.com/mrzor/bpf-pipeline/internal/ringbuffer"
)

// Objects are the programs and maps of a loaded collection.
type Objects interface {
	Program(name string) *ebpf.Program
	Maps() map[string]*ebpf.Map
	Close() error
}

// Kernel is the boundary to the bpf(2) syscall surface.
type Kernel interface {
	// CheckMapTypes returns an error if the running kernel lacks any of types.
	CheckMapTypes(types []ebpf.MapType) error
	// Load submits spec to the verifier. A verifier rejection is returned
	// as a *VerificationError.
	Load(spec *ebpf.CollectionSpec, opts ebpf.CollectionOptions) (Objects, error)
	// Attach creates the kernel hook for h.
	Attach(h Hook, prog *ebpf.Program) (io.Closer, error)
	// OpenBuffer opens a reader on the event map called name.
	OpenBuffer(name string, m *ebpf.Map, opts ringbuffer.Options) (ringbuffer.Source, error)
}

// DefaultKernel returns the Kernel backed by cilium/ebpf.
func DefaultKernel() Kernel {
	return ciliumKernel{}
}

type ciliumKernel struct{}

func (ciliumKernel) CheckMapTypes(types []ebpf.MapType) error {
	for _, t := range types {
		if err := features.HaveMapType(t); err != nil {
			if errors.Is(err, ebpf.ErrNotSupported) {
				return fmt.Errorf("map type %s not supported by this kernel: %w", t, err)
			}
			return fmt.Errorf("probing map type %s: %w", t, err)
		}
	}
	return nil
}

func (ciliumKernel) Load(spec *ebpf.CollectionSpec, opts ebpf.CollectionOptions) (Objects, error) {
	// Kernels before 5.11 account BPF memory against RLIMIT_MEMLOCK.
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock rlimit: %w", err)
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, opts)
	if err != nil {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			return nil, &VerificationError{Program: failedProgram(spec, err), Log: ve.Log, Err: err}
		}
		return nil, err
	}
	return collectionObjects{coll: coll}, nil
}

// failedProgram names the program a collection load error is about.
// cilium/ebpf prefixes per-program failures with "program <name>: ".
func failedProgram(spec *ebpf.CollectionSpec, err error) string {
	msg := err.Error()
	for name := range spec.Programs {
		if strings.HasPrefix(msg, "program "+name+": ") {
			return name
		}
	}
	return ""
}

func (ciliumKernel) Attach(h Hook, prog *ebpf.Program) (io.Closer, error) {
	if prog == nil {
		return nil, fmt.Errorf("program %q not loaded", h.Program)
	}

	switch h.Type {
	case HookTracepoint:
		return link.Tracepoint(h.Group, h.Target, prog, nil)
	case HookRawTracepoint:
		return link.AttachRawTracepoint(link.RawTracepointOptions{Name: h.Target, Program: prog})
	case HookKprobe:
		var opts *link.KprobeOptions
		if h.Offset != 0 {
			opts = &link.KprobeOptions{Offset: h.Offset}
		}
		return link.Kprobe(h.Target, prog, opts)
	case HookKretprobe:
		return link.Kretprobe(h.Target, prog, nil)
	case HookFentry, HookFexit:
		// The target function was resolved from the section name at load time.
		return link.AttachTracing(link.TracingOptions{Program: prog})
	default:
		return nil, fmt.Errorf("unsupported hook type %q", h.Type)
	}
}

func (ciliumKernel) OpenBuffer(name string, m *ebpf.Map, opts ringbuffer.Options) (ringbuffer.Source, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMap, name)
	}
	return ringbuffer.Open(m, opts)
}

type collectionObjects struct {
	coll *ebpf.Collection
}

func (o collectionObjects) Program(name string) *ebpf.Program {
	return o.coll.Programs[name]
}

func (o collectionObjects) Maps() map[string]*ebpf.Map {
	return o.coll.Maps
}

func (o collectionObjects) Close() error {
	o.coll.Close()
	return nil
}
