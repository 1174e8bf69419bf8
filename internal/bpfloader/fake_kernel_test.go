package bpfloader

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"

	"github.com/cilium/ebpf"
	"github.com/google/uuid"

	"github.com/mrzor/bpf-pipeline/internal/ringbuffer"
)

// kernelOp records an operation performed on the fake kernel.
type kernelOp struct {
	Op   string // "check", "load", "unload", "attach", "detach"
	Name string // hook key or object
}

// fakeKernel implements Kernel without syscalls. Set the fail* fields to
// inject errors.
type fakeKernel struct {
	ops []kernelOp

	failCheck    error
	failLoad     error
	failOnAttach map[string]error // by hookKey
	failOnDetach map[string]error // by hookKey

	live     map[string]bool // attached hook keys
	unloaded bool

	buffers    map[string]*ringbuffer.Memory
	bufferOpts ringbuffer.Options
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{
		failOnAttach: make(map[string]error),
		failOnDetach: make(map[string]error),
		live:         make(map[string]bool),
		buffers:      map[string]*ringbuffer.Memory{"events": ringbuffer.NewMemory()},
	}
}

func (k *fakeKernel) CheckMapTypes(types []ebpf.MapType) error {
	k.ops = append(k.ops, kernelOp{Op: "check", Name: fmt.Sprint(types)})
	return k.failCheck
}

func (k *fakeKernel) Load(_ *ebpf.CollectionSpec, _ ebpf.CollectionOptions) (Objects, error) {
	if k.failLoad != nil {
		return nil, k.failLoad
	}
	k.ops = append(k.ops, kernelOp{Op: "load"})
	return &fakeObjects{k: k}, nil
}

// hookKey identifies an attachment the way the kernel does: a kprobe and a
// kretprobe on the same symbol are distinct.
func hookKey(h Hook) string {
	return string(h.Type) + "/" + h.Target
}

func (k *fakeKernel) Attach(h Hook, _ *ebpf.Program) (io.Closer, error) {
	key := hookKey(h)
	if err := k.failOnAttach[key]; err != nil {
		return nil, err
	}
	k.ops = append(k.ops, kernelOp{Op: "attach", Name: key})
	k.live[key] = true
	return &fakeLink{k: k, key: key}, nil
}

func (k *fakeKernel) OpenBuffer(name string, _ *ebpf.Map, opts ringbuffer.Options) (ringbuffer.Source, error) {
	k.bufferOpts = opts
	m, ok := k.buffers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMap, name)
	}
	return m, nil
}

func (k *fakeKernel) liveCount() int {
	return len(k.live)
}

// opNames returns the recorded operations of kind op, in order.
func (k *fakeKernel) opNames(op string) []string {
	var out []string
	for _, o := range k.ops {
		if o.Op == op {
			out = append(out, o.Name)
		}
	}
	return out
}

type fakeLink struct {
	k   *fakeKernel
	key string
}

func (l *fakeLink) Close() error {
	// The kernel drops the link even when reporting an error.
	delete(l.k.live, l.key)
	l.k.ops = append(l.k.ops, kernelOp{Op: "detach", Name: l.key})
	return l.k.failOnDetach[l.key]
}

type fakeObjects struct {
	k *fakeKernel
}

func (o *fakeObjects) Program(string) *ebpf.Program { return nil }

func (o *fakeObjects) Maps() map[string]*ebpf.Map {
	return map[string]*ebpf.Map{"events": nil}
}

func (o *fakeObjects) Close() error {
	o.k.unloaded = true
	o.k.ops = append(o.k.ops, kernelOp{Op: "unload"})
	return nil
}

// fileMonitorSpec mirrors the kprobe/kretprobe file monitor object.
func fileMonitorSpec() *ebpf.CollectionSpec {
	return &ebpf.CollectionSpec{
		Programs: map[string]*ebpf.ProgramSpec{
			"do_unlinkat":      {Name: "do_unlinkat", SectionName: "kprobe/do_unlinkat"},
			"do_unlinkat_exit": {Name: "do_unlinkat_exit", SectionName: "kretprobe/do_unlinkat"},
		},
		Maps: map[string]*ebpf.MapSpec{
			"events": {Name: "events", Type: ebpf.RingBuf, MaxEntries: 256 * 1024},
		},
	}
}

// threeHookSpec declares three hooks attached in the order a, b, c.
func threeHookSpec() *ebpf.CollectionSpec {
	return &ebpf.CollectionSpec{
		Programs: map[string]*ebpf.ProgramSpec{
			"p1": {Name: "p1", SectionName: "kprobe/a"},
			"p2": {Name: "p2", SectionName: "kprobe/b"},
			"p3": {Name: "p3", SectionName: "kprobe/c"},
		},
		Maps: map[string]*ebpf.MapSpec{
			"events": {Name: "events", Type: ebpf.RingBuf, MaxEntries: 4096},
		},
	}
}

func openFake(k *fakeKernel, cs *ebpf.CollectionSpec, opts Options) (*Spec, error) {
	opts.Kernel = k
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return openSpec(cs, FromFile("test.bpf.o"), uuid.New(), logger, opts)
}

var errNoEnt = fs.ErrNotExist
