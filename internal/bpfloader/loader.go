// Package bpfloader manages the lifecycle of eBPF programs and their kernel attachments.
//
// A program moves through Open, Load and Attach exactly once:
//
//	spec, err := bpfloader.Open(bpfloader.FromFile(path), opts)   // Opened
//	coll, err := spec.Load()                                      // Loaded
//	att, err := coll.Attach()                                     // Attached
//	defer att.Close()                                             // Detached
//
// Each stage is a distinct type exposing only the operations valid from it.
// A failed transition leaves the handle in its prior state.
package bpfloader

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cilium/ebpf"
	"github.com/google/uuid"

	"github.com/mrzor/bpf-pipeline/internal/ringbuffer"
)

// State is the lifecycle position of a program handle.
type State int

const (
	StateUnopened State = iota
	StateOpened
	StateLoaded
	StateAttached
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpened:
		return "opened"
	case StateLoaded:
		return "loaded"
	case StateAttached:
		return "attached"
	case StateDetached:
		return "detached"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Source identifies a compiled object: a file path, an in-memory blob or
// an already parsed collection spec.
type Source struct {
	Path string
	Name string
	Blob []byte
	Spec *ebpf.CollectionSpec
}

// FromFile returns a Source reading the object at path.
func FromFile(path string) Source {
	return Source{Path: path}
}

// FromBytes returns a Source for an object already in memory, such as one
// embedded with go:embed.
func FromBytes(name string, blob []byte) Source {
	return Source{Name: name, Blob: blob}
}

// FromCollectionSpec returns a Source for a spec parsed elsewhere, such as
// the one returned by a bpf2go generated loader. Open works on a copy.
func FromCollectionSpec(name string, cs *ebpf.CollectionSpec) Source {
	return Source{Name: name, Spec: cs}
}

func (s Source) String() string {
	switch {
	case s.Path != "":
		return s.Path
	case s.Name != "":
		return s.Name
	default:
		return "<memory>"
	}
}

// Options configures a program handle.
type Options struct {
	// Hooks overrides the hook points discovered from section names.
	Hooks []Hook
	// Kernel defaults to DefaultKernel().
	Kernel Kernel
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Collection is passed through to the kernel at load time.
	Collection ebpf.CollectionOptions
	// PerfPages sizes per-CPU buffers for perf event array maps.
	PerfPages int
	// RecordSize is the fixed record size carried by the event maps, used
	// to strip perf sample padding. Zero leaves samples as read.
	RecordSize int
}

// handle is the state shared by all stages of one program.
type handle struct {
	id      uuid.UUID
	source  Source
	state   State
	kernel  Kernel
	logger  *slog.Logger
	objs    Objects
	links   attachmentSet
	buffers ringbuffer.Options
}

// Spec is an opened, not yet loaded program.
type Spec struct {
	h     *handle
	spec  *ebpf.CollectionSpec
	hooks []Hook
	opts  ebpf.CollectionOptions
}

// Open parses the compiled object and checks it against the running
// kernel's capabilities. Failures are *LoadError.
func Open(src Source, opts Options) (*Spec, error) {
	if opts.Kernel == nil {
		opts.Kernel = DefaultKernel()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	id := uuid.New()
	logger := opts.Logger.With("component", "bpfloader", "run_id", id.String(), "object", src.String())

	if src.Path == "" && len(src.Blob) == 0 && src.Spec == nil {
		return nil, &LoadError{Source: src.String(), Err: ErrEmptySource}
	}

	var (
		cs  *ebpf.CollectionSpec
		err error
	)
	switch {
	case src.Spec != nil:
		cs = src.Spec.Copy()
	case src.Path != "":
		cs, err = ebpf.LoadCollectionSpec(src.Path)
	default:
		cs, err = ebpf.LoadCollectionSpecFromReader(bytes.NewReader(src.Blob))
	}
	if err != nil {
		return nil, &LoadError{Source: src.String(), Err: fmt.Errorf("parsing object: %w", err)}
	}

	return openSpec(cs, src, id, logger, opts)
}

// openSpec finishes Open on an already parsed collection spec.
func openSpec(cs *ebpf.CollectionSpec, src Source, id uuid.UUID, logger *slog.Logger, opts Options) (*Spec, error) {
	hooks := opts.Hooks
	if len(hooks) > 0 {
		if err := checkHooks(cs, hooks); err != nil {
			return nil, &LoadError{Source: src.String(), Err: err}
		}
		hooks = append([]Hook(nil), hooks...)
	} else {
		var err error
		if hooks, err = discoverHooks(cs); err != nil {
			return nil, &LoadError{Source: src.String(), Err: err}
		}
	}
	if len(hooks) == 0 {
		return nil, &LoadError{Source: src.String(), Err: ErrNoHooks}
	}

	if err := opts.Kernel.CheckMapTypes(eventMapTypes(cs)); err != nil {
		return nil, &LoadError{Source: src.String(), Err: err}
	}

	logger.Info("opened", "programs", len(cs.Programs), "maps", len(cs.Maps), "hooks", len(hooks))

	return &Spec{
		h: &handle{
			id:      id,
			source:  src,
			state:   StateOpened,
			kernel:  opts.Kernel,
			logger:  logger,
			links:   attachmentSet{logger: logger},
			buffers: ringbuffer.Options{PerfPages: opts.PerfPages, RecordSize: opts.RecordSize},
		},
		spec:  cs,
		hooks: hooks,
		opts:  opts.Collection,
	}, nil
}

// eventMapTypes returns the distinct event-carrying map types in cs, the
// only ones whose availability varies enough between kernels to check.
func eventMapTypes(cs *ebpf.CollectionSpec) []ebpf.MapType {
	seen := make(map[ebpf.MapType]bool)
	var types []ebpf.MapType
	for _, m := range cs.Maps {
		if m.Type != ebpf.RingBuf && m.Type != ebpf.PerfEventArray {
			continue
		}
		if !seen[m.Type] {
			seen[m.Type] = true
			types = append(types, m.Type)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// ID identifies this program handle in logs and exported telemetry.
func (s *Spec) ID() uuid.UUID { return s.h.id }

// State reports the handle's lifecycle position.
func (s *Spec) State() State { return s.h.state }

// Hooks returns the hook points Attach will create, in order.
func (s *Spec) Hooks() []Hook {
	return append([]Hook(nil), s.hooks...)
}

// Load submits programs and maps to the kernel. A verifier rejection is a
// *VerificationError; anything else is a *LoadError. On failure the Spec
// stays Opened.
func (s *Spec) Load() (*Collection, error) {
	if s.h.state != StateOpened {
		return nil, fmt.Errorf("load from %s: %w", s.h.state, ErrInvalidState)
	}

	objs, err := s.h.kernel.Load(s.spec, s.opts)
	if err != nil {
		var verr *VerificationError
		if errors.As(err, &verr) {
			verr.Source = s.h.source.String()
			return nil, verr
		}
		return nil, &LoadError{Source: s.h.source.String(), Err: err}
	}

	s.h.objs = objs
	s.h.state = StateLoaded
	s.h.logger.Info("loaded")

	return &Collection{h: s.h, hooks: s.hooks}, nil
}

// Collection is a program loaded into the kernel but not attached.
type Collection struct {
	h     *handle
	hooks []Hook
}

// ID identifies this program handle in logs and exported telemetry.
func (c *Collection) ID() uuid.UUID { return c.h.id }

// State reports the handle's lifecycle position.
func (c *Collection) State() State { return c.h.state }

// Maps returns the collection's maps by name.
func (c *Collection) Maps() map[string]*ebpf.Map { return c.h.objs.Maps() }

// Attach creates one attachment per hook, in order. If any hook fails, the
// attachments already made by this call are detached before the
// *AttachError is returned, and the Collection stays Loaded.
func (c *Collection) Attach() (*Attached, error) {
	if c.h.state != StateLoaded {
		return nil, fmt.Errorf("attach from %s: %w", c.h.state, ErrInvalidState)
	}

	for _, hook := range c.hooks {
		l, err := c.h.kernel.Attach(hook, c.h.objs.Program(hook.Program))
		if err != nil {
			if rerr := c.h.links.teardownAll(); rerr != nil {
				c.h.logger.Error("rollback after attach failure incomplete", "error", rerr)
			}
			return nil, &AttachError{Hook: hook, Err: err}
		}
		c.h.links.add(hook, l)
		c.h.logger.Debug("attached", "hook", hook.String())
	}

	c.h.state = StateAttached
	c.h.logger.Info("attached", "hooks", c.h.links.Len())

	return &Attached{h: c.h}, nil
}

// Close unloads the programs and maps.
func (c *Collection) Close() error {
	return c.h.close()
}

// Attached is a program with live kernel hooks.
type Attached struct {
	h *handle
}

// ID identifies this program handle in logs and exported telemetry.
func (a *Attached) ID() uuid.UUID { return a.h.id }

// State reports the handle's lifecycle position.
func (a *Attached) State() State { return a.h.state }

// Maps returns the collection's maps by name.
func (a *Attached) Maps() map[string]*ebpf.Map { return a.h.objs.Maps() }

// Hooks returns the live hooks in creation order.
func (a *Attached) Hooks() []Hook { return a.h.links.hooks() }

// Len returns the number of live attachments.
func (a *Attached) Len() int { return a.h.links.Len() }

// OpenBuffer opens a reader on the named ring buffer or perf event array.
func (a *Attached) OpenBuffer(name string) (ringbuffer.Source, error) {
	if a.h.state != StateAttached {
		return nil, fmt.Errorf("open buffer from %s: %w", a.h.state, ErrInvalidState)
	}
	m, ok := a.h.objs.Maps()[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMap, name)
	}
	return a.h.kernel.OpenBuffer(name, m, a.h.buffers)
}

// Close detaches every hook in reverse creation order, then unloads the
// programs and maps. It is safe to call more than once.
func (a *Attached) Close() error {
	return a.h.close()
}

func (h *handle) close() error {
	switch h.state {
	case StateLoaded, StateAttached:
	default:
		return nil
	}

	var errs []error
	if err := h.links.teardownAll(); err != nil {
		errs = append(errs, err)
	}
	if err := h.objs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing BPF objects: %w", err))
	}
	h.state = StateDetached

	if len(errs) > 0 {
		return fmt.Errorf("errors during cleanup: %w", errors.Join(errs...))
	}
	h.logger.Info("detached")
	return nil
}
