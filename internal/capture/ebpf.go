package capture

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/btf"
	"github.com/cilium/ebpf/link"
)

// hookSpec names one native OS hook Capture would like to attach: a kprobe
// or tracepoint feeding keystroke, mouse, or process-spawn events straight
// from the kernel instead of polling /proc.
type hookSpec struct {
	name       string
	objectFile string
	attachTo   string
	section    string
}

var nativeHooks = []hookSpec{
	{name: "process_exec", objectFile: "process_exec.o", attachTo: "sys_execve", section: "kprobe/sys_execve"},
}

// loadedHook holds an attached hook's collection plus its link, closed
// together on Capture.Stop.
type loadedHook struct {
	spec       hookSpec
	collection *ebpf.Collection
	link       link.Link
}

func (h *loadedHook) Close() error {
	var err error
	if h.link != nil {
		err = h.link.Close()
	}
	if h.collection != nil {
		h.collection.Close()
	}
	return err
}

// Loader gates native eBPF attachment behind BTF/CO-RE availability via
// CanLoad/TryLoad: most dev machines and every container without CAP_BPF
// fail CanLoad, and every monitor in this package has a /proc-polling
// path for exactly that case.
type Loader struct {
	btfAvailable bool
}

func NewLoader() *Loader {
	_, err := btf.LoadKernelSpec()
	return &Loader{btfAvailable: err == nil}
}

func (l *Loader) CanLoad() bool {
	return l.btfAvailable
}

// TryLoad attempts to load and attach spec's kprobe. Callers must treat a
// non-nil error as "fall back to /proc", not as fatal — native capture is
// strictly an optimization here, never a hard requirement (spec.md §4.4
// doesn't mandate eBPF, only that overhead stays low).
func (l *Loader) TryLoad(spec hookSpec) (*loadedHook, error) {
	if !l.btfAvailable {
		return nil, fmt.Errorf("capture: ebpf unavailable: no BTF support on this kernel")
	}
	collSpec, err := ebpf.LoadCollectionSpec(spec.objectFile)
	if err != nil {
		return nil, fmt.Errorf("capture: load collection spec %s: %w", spec.objectFile, err)
	}
	coll, err := ebpf.NewCollection(collSpec)
	if err != nil {
		return nil, fmt.Errorf("capture: instantiate collection %s: %w", spec.name, err)
	}
	prog, ok := coll.Programs[spec.name]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("capture: program %q missing from %s", spec.name, spec.objectFile)
	}
	kp, err := link.Kprobe(spec.attachTo, prog, nil)
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("capture: attach kprobe %s: %w", spec.attachTo, err)
	}
	return &loadedHook{spec: spec, collection: coll, link: kp}, nil
}
