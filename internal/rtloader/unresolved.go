package rtloader

import (
	"errors"
	"fmt"
)

// ErrUnresolvedCall is returned by InvokeAt (and therefore by anything that
// calls through a relocated R_MIPS_26 site via it) when the address reached
// is the loader's default unresolved handler rather than a module's own.
var ErrUnresolvedCall = errors.New("call into unresolved stub")

// InvokeAt simulates calling through a function-pointer address: a module's
// own hooks and exported functions are dispatched to HookInvoker, but the
// loader's shared default unresolved handler — the address substituted for
// every module that does not export its own — is handled in Go directly:
// frame inspection and diagnostics are behaviour the loader itself owns
// rather than delegating to a registered callback.
//
// Ctor/dtor/prolog/epilog invocation goes through InvokeAt as well; those
// addresses are a module's own code, never the default handler, so they
// always reach HookInvoker. Callers simulating an actual call through a
// relocated R_MIPS_26 site — a reference host or a link-symmetry test —
// use InvokeAt too.
func (l *Loader) InvokeAt(addr uint32, args ...uint32) (uint32, error) {
	if l.haveDefaultUnresolvedAddr && addr == l.defaultUnresolvedAddr {
		return l.defaultUnresolvedHandler()
	}
	return l.hooks.Invoke(addr, args...)
}

// defaultUnresolvedHandler is the loader-owned fallback installed wherever
// a module doesn't export its own _unresolved: it inspects the caller's
// return address, backs up past the delay slot to find the offending call
// site, identifies which module it lives in, logs a diagnostic plus the
// loaded-module list, and reports failure in place of halting the process
// outright.
func (l *Loader) defaultUnresolvedHandler() (uint32, error) {
	var faultAddr uint32
	var haveFault bool

	if l.frames != nil {
		if ret, ok := l.frames.CallerReturnAddress(); ok {
			faultAddr = ret - 8 // delayed-branch architecture: back up one instruction
			haveFault = true
		}
	}

	name := "<unknown>"
	var culprit *Handle
	if haveFault {
		culprit = l.ModuleAddrToHandle(faultAddr)
	}
	if culprit != nil {
		name = culprit.Name
	}

	l.logger.Error("call into unresolved stub", "module", name, "address", fmt.Sprintf("0x%x", faultAddr))
	l.ModulePrintLoadedList()

	return 0, fmt.Errorf("%w: in module %q at 0x%x", ErrUnresolvedCall, name, faultAddr)
}
