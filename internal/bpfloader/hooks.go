package bpfloader

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cilium/ebpf"
)

// HookType is the kind of kernel hook point a program attaches to.
type HookType string

const (
	HookTracepoint    HookType = "tracepoint"
	HookRawTracepoint HookType = "raw_tracepoint"
	HookKprobe        HookType = "kprobe"
	HookKretprobe     HookType = "kretprobe"
	HookFentry        HookType = "fentry"
	HookFexit         HookType = "fexit"
)

// Hook names one attachment: which program goes where.
type Hook struct {
	// Program is the program's name in the object.
	Program string
	Type    HookType
	// Group is the tracepoint category, e.g. "syscalls". Empty for other types.
	Group string
	// Target is the tracepoint name or the kernel symbol.
	Target string
	// Offset is the kprobe offset from Target, as in kprobe/sym+0x10.
	Offset uint64
}

func (h Hook) String() string {
	switch {
	case h.Group != "":
		return fmt.Sprintf("%s/%s/%s (%s)", h.Type, h.Group, h.Target, h.Program)
	case h.Offset != 0:
		return fmt.Sprintf("%s/%s+%#x (%s)", h.Type, h.Target, h.Offset, h.Program)
	default:
		return fmt.Sprintf("%s/%s (%s)", h.Type, h.Target, h.Program)
	}
}

// sectionPrefixes maps libbpf section prefixes to hook types. Longer
// prefixes come first so kretprobe is not read as kprobe.
var sectionPrefixes = []struct {
	prefix string
	typ    HookType
}{
	{"raw_tracepoint/", HookRawTracepoint},
	{"raw_tp/", HookRawTracepoint},
	{"tracepoint/", HookTracepoint},
	{"tp/", HookTracepoint},
	{"kretprobe/", HookKretprobe},
	{"kprobe/", HookKprobe},
	{"fentry/", HookFentry},
	{"fexit/", HookFexit},
}

// parseSection derives a hook from an ELF section name. ok is false for
// sections that are not hook points (maps, license, socket filters ...).
func parseSection(program, section string) (h Hook, ok bool, err error) {
	section = strings.TrimPrefix(section, "?")

	for _, p := range sectionPrefixes {
		rest, found := strings.CutPrefix(section, p.prefix)
		if !found {
			continue
		}
		h = Hook{Program: program, Type: p.typ}
		switch p.typ {
		case HookTracepoint:
			group, name, found := strings.Cut(rest, "/")
			if !found || group == "" || name == "" {
				return Hook{}, false, fmt.Errorf("section %q: tracepoint needs <group>/<name>", section)
			}
			h.Group, h.Target = group, name
		default:
			target, off, hasOff := strings.Cut(rest, "+")
			if target == "" {
				return Hook{}, false, fmt.Errorf("section %q: missing target", section)
			}
			h.Target = target
			if hasOff {
				if p.typ != HookKprobe {
					return Hook{}, false, fmt.Errorf("section %q: offsets are only valid on kprobes", section)
				}
				offset, err := strconv.ParseUint(off, 0, 64)
				if err != nil {
					return Hook{}, false, fmt.Errorf("section %q: bad offset: %w", section, err)
				}
				h.Offset = offset
			}
		}
		return h, true, nil
	}

	return Hook{}, false, nil
}

// discoverHooks lists the hook points declared by spec's programs, ordered
// by section then program name so attach order is stable across runs.
func discoverHooks(spec *ebpf.CollectionSpec) ([]Hook, error) {
	names := make([]string, 0, len(spec.Programs))
	for name := range spec.Programs {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		si, sj := spec.Programs[names[i]].SectionName, spec.Programs[names[j]].SectionName
		if si != sj {
			return si < sj
		}
		return names[i] < names[j]
	})

	var hooks []Hook
	for _, name := range names {
		h, ok, err := parseSection(name, spec.Programs[name].SectionName)
		if err != nil {
			return nil, fmt.Errorf("program %s: %w", name, err)
		}
		if ok {
			hooks = append(hooks, h)
		}
	}
	return hooks, nil
}

// checkHooks verifies that explicitly configured hooks name programs present
// in the object.
func checkHooks(spec *ebpf.CollectionSpec, hooks []Hook) error {
	for _, h := range hooks {
		if _, ok := spec.Programs[h.Program]; !ok {
			return fmt.Errorf("hook %s: program %q not in object", h, h.Program)
		}
		if h.Target == "" {
			return fmt.Errorf("hook %s: missing target", h)
		}
		if h.Offset != 0 && h.Type != HookKprobe {
			return fmt.Errorf("hook %s: offsets are only valid on kprobes", h)
		}
	}
	return nil
}
