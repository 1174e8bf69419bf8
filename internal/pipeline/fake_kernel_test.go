package pipeline

import (
	"fmt"
	"io"
	"sync"

	"github.com/cilium/ebpf"

	"github.com/mrzor/bpf-pipeline/internal/bpfloader"
	"github.com/mrzor/bpf-pipeline/internal/ringbuffer"
)

// fakeKernel implements bpfloader.Kernel over in-memory buffers and
// records every operation in order.
type fakeKernel struct {
	mu  sync.Mutex
	ops []string

	failLoad     error
	failOnAttach map[string]error // by "type/target"

	buffers map[string]*ringbuffer.Memory
}

func newFakeKernel(buffers ...string) *fakeKernel {
	k := &fakeKernel{
		failOnAttach: make(map[string]error),
		buffers:      make(map[string]*ringbuffer.Memory),
	}
	for _, b := range buffers {
		k.buffers[b] = ringbuffer.NewMemory()
	}
	return k
}

func (k *fakeKernel) record(op string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ops = append(k.ops, op)
}

func (k *fakeKernel) recorded() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.ops...)
}

func (k *fakeKernel) CheckMapTypes([]ebpf.MapType) error { return nil }

func (k *fakeKernel) Load(spec *ebpf.CollectionSpec, _ ebpf.CollectionOptions) (bpfloader.Objects, error) {
	if k.failLoad != nil {
		return nil, k.failLoad
	}
	name := objectName(spec)
	k.record("load " + name)
	return &fakeObjects{k: k, name: name}, nil
}

func (k *fakeKernel) Attach(h bpfloader.Hook, _ *ebpf.Program) (io.Closer, error) {
	id := fmt.Sprintf("%s/%s", h.Type, h.Target)
	if err := k.failOnAttach[id]; err != nil {
		return nil, err
	}
	k.record("attach " + id)
	return &fakeLink{k: k, id: id}, nil
}

func (k *fakeKernel) OpenBuffer(name string, _ *ebpf.Map, _ ringbuffer.Options) (ringbuffer.Source, error) {
	m, ok := k.buffers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", bpfloader.ErrUnknownMap, name)
	}
	return m, nil
}

type fakeLink struct {
	k  *fakeKernel
	id string
}

func (l *fakeLink) Close() error {
	l.k.record("detach " + l.id)
	return nil
}

type fakeObjects struct {
	k    *fakeKernel
	name string
}

func (o *fakeObjects) Program(string) *ebpf.Program { return nil }

func (o *fakeObjects) Maps() map[string]*ebpf.Map {
	maps := make(map[string]*ebpf.Map, len(o.k.buffers))
	for name := range o.k.buffers {
		maps[name] = nil
	}
	return maps
}

func (o *fakeObjects) Close() error {
	o.k.record("unload " + o.name)
	return nil
}

// objectName identifies a spec by its first map, which the test specs
// name after the object.
func objectName(spec *ebpf.CollectionSpec) string {
	for _, m := range spec.Maps {
		return m.Name
	}
	return "?"
}

// fileMonitorSpec mirrors the kprobe/kretprobe file monitor object.
func fileMonitorSpec(buffer string) *ebpf.CollectionSpec {
	return &ebpf.CollectionSpec{
		Programs: map[string]*ebpf.ProgramSpec{
			"do_unlinkat":      {Name: "do_unlinkat", SectionName: "kprobe/do_unlinkat"},
			"do_unlinkat_exit": {Name: "do_unlinkat_exit", SectionName: "kretprobe/do_unlinkat"},
		},
		Maps: map[string]*ebpf.MapSpec{
			buffer: {Name: buffer, Type: ebpf.RingBuf, MaxEntries: 256 * 1024},
		},
	}
}

// helloSpec mirrors the tracepoint-only hello object, which has no buffer.
func helloSpec() *ebpf.CollectionSpec {
	return &ebpf.CollectionSpec{
		Programs: map[string]*ebpf.ProgramSpec{
			"handle_tp": {Name: "handle_tp", SectionName: "tp/syscalls/sys_enter_write"},
		},
		Maps: map[string]*ebpf.MapSpec{
			"hello.bss": {Name: "hello.bss", Type: ebpf.Array, MaxEntries: 1},
		},
	}
}
