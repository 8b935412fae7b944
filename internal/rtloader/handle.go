package rtloader

import "github.com/cbarrett/ultramod/internal/bundle"

// sectionAddr is one section's placement inside a loaded module's image,
// resolved from blob-relative (stored sections) or BSS-arena-relative
// (noload sections) to an absolute Memory offset.
type sectionAddr struct {
	addr uint32
	size uint32
}

// loadedImage is everything about a module that exists only while it is
// loaded: where it lives in Memory, its decoded header, and the resolved
// address of every section and lifecycle hook.
type loadedImage struct {
	base      uint32
	footprint uint32

	header  bundle.ModuleHeader
	imports []importGroup

	sections []sectionAddr

	hasPrologue bool
	prologAddr  uint32
	hasEpilog   bool
	epilogAddr  uint32

	hasCustomUnresolved bool
	unresolvedAddr      uint32
}

// Handle is one entry in the bundle's handle table: persistent metadata
// from storage (name, size, alignment, ROM offset) plus runtime state
// (reference count, loaded image) that exists only between ModuleLoad and
// the matching ModuleUnload.
type Handle struct {
	id uint32

	Name        string
	ModuleAlign uint32
	ModuleSize  uint32
	RomOffset   uint32
	NoloadAlign uint32
	NoloadSize  uint32

	refCount uint32
	image    *loadedImage
}

// IsLoaded reports whether h currently has a live image, per spec's
// ref_count != 0 && image != null definition.
func (h *Handle) IsLoaded() bool {
	return h.refCount != 0 && h.image != nil
}

// RefCount returns the handle's current reference count, for tests and
// diagnostics.
func (h *Handle) RefCount() uint32 {
	return h.refCount
}

// Base returns the absolute Memory address the module is loaded at, or
// (0, false) if it is not currently loaded.
func (h *Handle) Base() (uint32, bool) {
	if !h.IsLoaded() {
		return 0, false
	}
	return h.image.base, true
}

// SectionAddr returns the absolute address of one of the module's sections
// by ELF section index, or (0, false) if the module has no image or the
// index is out of range. The image exists from the moment the module is
// linked, so this also answers inside a WithHookInstaller callback.
func (h *Handle) SectionAddr(section uint16) (uint32, bool) {
	if h.image == nil || int(section) >= len(h.image.sections) {
		return 0, false
	}
	return h.image.sections[section].addr, true
}

// PrologAddr returns the module's prolog function address and whether it
// defines one, for a hook installer registering the callback right after
// ModuleLoadHandle has linked but before it runs ctors/prolog.
func (h *Handle) PrologAddr() (uint32, bool) {
	if h.image == nil {
		return 0, false
	}
	return h.image.prologAddr, h.image.hasPrologue
}

// EpilogAddr returns the module's epilog function address and whether it
// defines one.
func (h *Handle) EpilogAddr() (uint32, bool) {
	if h.image == nil {
		return 0, false
	}
	return h.image.epilogAddr, h.image.hasEpilog
}

// UnresolvedAddr returns the address call sites into this module fall back
// to when it is not loaded: its own exported handler if it defines one, or
// the loader's shared default crash handler otherwise.
func (h *Handle) UnresolvedAddr() (uint32, bool) {
	if h.image == nil {
		return 0, false
	}
	return h.image.unresolvedAddr, true
}
