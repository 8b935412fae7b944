package simhost

import "fmt"

// HookFunc stands in for a MIPS function pointer. On real hardware, ctor,
// dtor, prolog, epilog and a module's own unresolved handler are all just
// code the processor jumps to; here they're Go callbacks keyed by the arena
// address the packager recorded for them. The loader's default unresolved
// handler is not registered here; rtloader handles it itself.
type HookFunc func(args ...uint32) uint32

// HookInvoker is the registry HookFunc values live in, and the thing
// rtloader calls through to run a hook instead of jumping to it directly.
type HookInvoker struct {
	funcs map[uint32]HookFunc
}

// NewHookInvoker returns an empty registry.
func NewHookInvoker() *HookInvoker {
	return &HookInvoker{funcs: map[uint32]HookFunc{}}
}

// Register binds addr to fn. Re-registering the same address replaces the
// previous binding.
func (h *HookInvoker) Register(addr uint32, fn HookFunc) {
	h.funcs[addr] = fn
}

// Unregister removes any binding at addr. Unregistering an address with no
// binding is a no-op.
func (h *HookInvoker) Unregister(addr uint32) {
	delete(h.funcs, addr)
}

// Invoke calls the function registered at addr. An unregistered address is
// an error rather than a silent no-op: on real hardware it would jump into
// whatever garbage or valid-but-wrong code happens to sit there.
func (h *HookInvoker) Invoke(addr uint32, args ...uint32) (uint32, error) {
	fn, ok := h.funcs[addr]
	if !ok {
		return 0, fmt.Errorf("no hook registered at address 0x%x", addr)
	}

	return fn(args...), nil
}
