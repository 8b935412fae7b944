package rtloader

import (
	"bytes"
	"fmt"

	"github.com/cbarrett/ultramod/internal/align"
	"github.com/cbarrett/ultramod/internal/bundle"
	"github.com/lunixbochs/struc"
)

// importGroup is one import-module record together with its fully decoded
// relocation stream, kept around for the lifetime of the load so the Link
// Keeper can re-scan it on a later module's load or this one's unload.
type importGroup struct {
	sourceModuleID uint32
	relocs         []bundle.RelocationEntry
}

// loadConfig carries ModuleLoad/ModuleLoadHandle's optional behaviour.
type loadConfig struct {
	preHook func(h *Handle)
}

// LoadOption configures a single ModuleLoad/ModuleLoadHandle call.
type LoadOption func(*loadConfig)

// WithHookInstaller registers fn to run once the module is linked (so its
// prolog/epilog/ctor/dtor addresses are known via the Handle accessors) but
// before ctors or prolog execute. Production embedders with real MIPS code
// at those addresses never need this; it exists for a reference host or
// test to bind a HookInvoker callback to an address it could not have known
// in advance.
func WithHookInstaller(fn func(h *Handle)) LoadOption {
	return func(c *loadConfig) { c.preHook = fn }
}

// ModuleLoad finds name and loads it, per ModuleLoadHandle.
func (l *Loader) ModuleLoad(name string, opts ...LoadOption) (*Handle, error) {
	h := l.ModuleFind(name)
	if h == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchModule, name)
	}
	return l.ModuleLoadHandle(h, opts...)
}

// ModuleLoadHandle loads h if it isn't already loaded, or bumps its
// reference count if it is.
func (l *Loader) ModuleLoadHandle(h *Handle, opts ...LoadOption) (*Handle, error) {
	if h.IsLoaded() {
		h.refCount++
		return h, nil
	}

	var cfg loadConfig
	for _, o := range opts {
		o(&cfg)
	}

	noloadAlign := max(h.NoloadAlign, 1)
	footprint := align.Address(h.ModuleSize, noloadAlign) + h.NoloadSize
	ramAlign := max(h.ModuleAlign, h.NoloadAlign)

	base, err := l.mem.Alloc(footprint, ramAlign)
	if err != nil {
		return nil, fmt.Errorf("module %q: %w", h.Name, err)
	}

	region := l.mem.Bytes(base, footprint)
	for i := range region {
		region[i] = 0
	}

	blob := l.mem.Bytes(base, h.ModuleSize)
	if _, err := l.rom.ReadAt(blob, l.moduleDataBase+int64(h.RomOffset)); err != nil {
		_ = l.mem.Free(base)
		return nil, fmt.Errorf("module %q: read from rom: %w", h.Name, err)
	}

	if _, err := l.linkModule(h, base, footprint); err != nil {
		_ = l.mem.Free(base)
		h.image = nil
		return nil, fmt.Errorf("module %q: %w", h.Name, err)
	}

	if cfg.preHook != nil {
		cfg.preHook(h)
	}

	if err := l.runCtors(h); err != nil {
		return nil, fmt.Errorf("module %q: %w", h.Name, err)
	}

	if h.image.hasPrologue {
		if _, err := l.InvokeAt(h.image.prologAddr); err != nil {
			return nil, fmt.Errorf("module %q: prolog: %w", h.Name, err)
		}
	}

	h.refCount = 1
	return h, nil
}

// linkModule decodes h's header, section-info and import-module arrays out
// of the bytes just copied into base, resolves every section to an absolute
// address, resolves the lifecycle hook addresses, then applies this
// module's own imports and re-applies every other loaded module's imports
// that were waiting on it.
func (l *Loader) linkModule(h *Handle, base, footprint uint32) (*loadedImage, error) {
	var header bundle.ModuleHeader
	if err := decodeAt(l.mem, base, 0, bundle.ModuleHeaderSize, &header); err != nil {
		return nil, fmt.Errorf("decode module header: %w", err)
	}

	sectionInfos := make([]bundle.SectionInfo, header.NumSections)
	for i := range sectionInfos {
		ofs := header.SectionInfoOfs + uint32(i)*bundle.SectionInfoSize
		if err := decodeAt(l.mem, base, ofs, bundle.SectionInfoSize, &sectionInfos[i]); err != nil {
			return nil, fmt.Errorf("decode section info %d: %w", i, err)
		}
	}

	importRecs := make([]bundle.ImportModuleRecord, header.NumImportModules)
	for i := range importRecs {
		ofs := header.ImportModulesOfs + uint32(i)*bundle.ImportModuleRecordSize
		if err := decodeAt(l.mem, base, ofs, bundle.ImportModuleRecordSize, &importRecs[i]); err != nil {
			return nil, fmt.Errorf("decode import module record %d: %w", i, err)
		}
	}

	sections := make([]sectionAddr, header.NumSections)
	bssCursor := base + align.Address(h.ModuleSize, max(h.NoloadAlign, 1))
	for i, info := range sectionInfos {
		switch {
		case info.IsNull():
		case info.IsBSS():
			a := max(info.Align, 1)
			bssCursor = align.Address(bssCursor, a)
			sections[i] = sectionAddr{addr: bssCursor, size: info.Size}
			bssCursor += info.Size
		default:
			sections[i] = sectionAddr{addr: base + info.OffsetOrNull, size: info.Size}
		}
	}

	imports := make([]importGroup, len(importRecs))
	for i, rec := range importRecs {
		relocs := make([]bundle.RelocationEntry, rec.NumRelocs)
		for j := range relocs {
			ofs := rec.RelocsOfs + uint32(j)*bundle.RelocationEntrySize
			if err := decodeAt(l.mem, base, ofs, bundle.RelocationEntrySize, &relocs[j]); err != nil {
				return nil, fmt.Errorf("decode reloc %d of import group %d: %w", j, i, err)
			}
		}
		imports[i] = importGroup{sourceModuleID: rec.SourceModuleID, relocs: relocs}
	}

	img := &loadedImage{
		base:      base,
		footprint: footprint,
		header:    header,
		sections:  sections,
		imports:   imports,
	}

	if header.PrologSection != bundle.SectionUndefined {
		img.hasPrologue = true
		img.prologAddr = base + header.PrologOfs
	}
	if header.EpilogSection != bundle.SectionUndefined {
		img.hasEpilog = true
		img.epilogAddr = base + header.EpilogOfs
	}
	if header.UnresolvedSection != bundle.SectionUndefined {
		img.hasCustomUnresolved = true
		img.unresolvedAddr = base + header.UnresolvedOfs
	} else {
		addr, err := l.ensureDefaultUnresolvedAddr()
		if err != nil {
			return nil, err
		}
		img.unresolvedAddr = addr
	}

	h.image = img

	for _, g := range imports {
		if err := l.applyImportGroup(h, g.sourceModuleID, g.relocs, directionApply); err != nil {
			return nil, err
		}
	}

	for _, other := range l.handles {
		if other == h || !other.IsLoaded() {
			continue
		}
		for _, g := range other.image.imports {
			if g.sourceModuleID != h.id {
				continue
			}
			if err := l.applyImportGroup(other, h.id, g.relocs, directionApply); err != nil {
				return nil, err
			}
		}
	}

	return img, nil
}

func decodeAt(mem Memory, base, blobOfs uint32, size int, out any) error {
	b := mem.Bytes(base+blobOfs, uint32(size))
	return struc.UnpackWithOptions(bytes.NewReader(b), out, bundle.Codec)
}

func (l *Loader) ensureDefaultUnresolvedAddr() (uint32, error) {
	if l.haveDefaultUnresolvedAddr {
		return l.defaultUnresolvedAddr, nil
	}

	addr, err := l.mem.Alloc(4, 4)
	if err != nil {
		return 0, fmt.Errorf("reserve default unresolved handler slot: %w", err)
	}

	l.defaultUnresolvedAddr = addr
	l.haveDefaultUnresolvedAddr = true
	return addr, nil
}

// runCtors invokes the ctor section's function pointers in ascending index
// order.
func (l *Loader) runCtors(h *Handle) error {
	return l.runFuncArray(h, h.image.header.CtorSection, false, "ctor")
}

// runDtors invokes the dtor section's function pointers in descending index
// order.
func (l *Loader) runDtors(h *Handle) error {
	return l.runFuncArray(h, h.image.header.DtorSection, true, "dtor")
}

func (l *Loader) runFuncArray(h *Handle, section uint16, reverse bool, what string) error {
	if section == bundle.SectionUndefined {
		return nil
	}
	if int(section) >= len(h.image.sections) {
		return fmt.Errorf("module %q: %s section %d out of range", h.Name, what, section)
	}

	sa := h.image.sections[section]
	count := int(sa.size / 4)

	for i := 0; i < count; i++ {
		idx := i
		if reverse {
			idx = count - 1 - i
		}

		addr := readWord(l.mem, sa.addr+uint32(idx)*4)
		if _, err := l.InvokeAt(addr); err != nil {
			return fmt.Errorf("module %q: %s entry %d at 0x%x: %w", h.Name, what, idx, addr, err)
		}
	}

	return nil
}
