package bundle

import (
	"bytes"
	"fmt"

	"github.com/cbarrett/ultramod/internal/align"
	"github.com/cbarrett/ultramod/internal/iometa"
	"github.com/lunixbochs/struc"
)

// Section is one entry of a module's section-info array, in original ELF
// section-index order (index 0 is always the reserved null section). A
// section with Data == nil and Size > 0 is BSS; a section with Data == nil
// and Size == 0 is an elided/null section.
type Section struct {
	Data  []byte
	Align uint32
	Size  uint32
}

func (s Section) isBSS() bool {
	return s.Data == nil && s.Size > 0
}

// Reloc is one already-resolved relocation entry queued for a particular
// import group, in the order the encoder produced it (including interleaved
// RelUltraSec markers).
type Reloc struct {
	Offset  uint32
	Type    uint8
	Section uint16
	SymOfs  uint32
}

// Import is one import group: every relocation sourced from SourceModuleID.
type Import struct {
	SourceModuleID uint32
	Relocs         []Reloc
}

// Hooks describes a module's lifecycle entry points, all expressed as ELF
// section indices (SectionUndefined when absent). The single-function hooks
// additionally carry their symbol's section-relative value; Serialize
// converts this to the blob-relative offset the on-disk format stores once
// it has computed where each section landed.
type Hooks struct {
	CtorSection uint16
	DtorSection uint16

	PrologSection uint16
	PrologSymVal  uint32

	EpilogSection uint16
	EpilogSymVal  uint32

	UnresolvedSection uint16
	UnresolvedSymVal  uint32
}

// ModuleInput is the packager's in-memory description of one module, ready
// to be serialized into a blob by Serialize.
type ModuleInput struct {
	Name     string
	Sections []Section
	Imports  []Import
	Hooks    Hooks
}

// Serialized is the result of serializing one ModuleInput: the blob bytes
// plus the handle metadata the bundle writer needs (everything in a
// HandleRecord except NameOffset and RomOffset, which depend on the
// bundle-wide layout).
type Serialized struct {
	Blob        []byte
	ModuleAlign uint32
	ModuleSize  uint32
	NoloadAlign uint32
	NoloadSize  uint32
}

// Serialize writes one module's header, section-info array, PROGBITS data
// bodies, import-module array, and per-import relocation streams into a
// single blob: header, then section-info, then section data aligned to each
// section's own alignment, then the import array and reloc streams aligned
// to 4.
func Serialize(m ModuleInput) (*Serialized, error) {
	buf := &bytes.Buffer{}

	// Placeholder header; rewritten once we know import_modules_ofs.
	header := ModuleHeader{
		NumSections:       uint32(len(m.Sections)),
		SectionInfoOfs:    ModuleHeaderSize,
		NumImportModules:  uint32(len(m.Imports)),
		CtorSection:       m.Hooks.CtorSection,
		DtorSection:       m.Hooks.DtorSection,
		PrologSection:     m.Hooks.PrologSection,
		EpilogSection:     m.Hooks.EpilogSection,
		UnresolvedSection: m.Hooks.UnresolvedSection,
	}

	if err := struc.PackWithOptions(buf, &header, &byteOrder); err != nil {
		return nil, fmt.Errorf("failed to write placeholder module header for %q: %w", m.Name, err)
	}

	if err := iometa.WriteZeros(buf, int(align.Address(uint32(buf.Len()), 4))-buf.Len()); err != nil {
		return nil, fmt.Errorf("failed to pad before section-info array for %q: %w", m.Name, err)
	}

	sectionInfoOfs := uint32(buf.Len())

	for i, s := range m.Sections {
		info := SectionInfo{Align: s.Align, Size: s.Size}
		if err := struc.PackWithOptions(buf, &info, &byteOrder); err != nil {
			return nil, fmt.Errorf("failed to write section-info entry %d for %q: %w", i, m.Name, err)
		}
	}

	var moduleAlign uint32
	var noloadAlign uint32

	// Stored (PROGBITS) data bodies, each aligned to the section's own
	// alignment; BSS sections contribute no bytes here, only an entry in
	// the section-info array above, whose OffsetOrNull is patched in once
	// we know where each stored section landed.
	dataOffsets := make([]uint32, len(m.Sections))

	for i, s := range m.Sections {
		if s.isBSS() {
			if s.Align > noloadAlign {
				noloadAlign = s.Align
			}
			continue
		}

		if len(s.Data) == 0 {
			continue
		}

		if err := iometa.WriteZeros(buf, int(align.Address(uint32(buf.Len()), s.Align))-buf.Len()); err != nil {
			return nil, fmt.Errorf("failed to pad section %d for %q: %w", i, m.Name, err)
		}

		if s.Align > moduleAlign {
			moduleAlign = s.Align
		}

		dataOffsets[i] = uint32(buf.Len())

		if _, err := buf.Write(s.Data); err != nil {
			return nil, fmt.Errorf("failed to write section %d data for %q: %w", i, m.Name, err)
		}
	}

	// Patch in the data offsets we now know. Re-pack the section-info array
	// in place rather than seeking, since buf is an append-only Buffer.
	out := buf.Bytes()
	rewriteBuf := &bytes.Buffer{}
	for i, s := range m.Sections {
		info := SectionInfo{Align: s.Align, Size: s.Size}
		if !s.isBSS() && len(s.Data) > 0 {
			info.OffsetOrNull = dataOffsets[i]
		}

		if err := struc.PackWithOptions(rewriteBuf, &info, &byteOrder); err != nil {
			return nil, fmt.Errorf("failed to re-write section-info entry %d for %q: %w", i, m.Name, err)
		}
	}
	copy(out[sectionInfoOfs:], rewriteBuf.Bytes())

	if err := iometa.WriteZeros(buf, int(align.Address(uint32(buf.Len()), 4))-buf.Len()); err != nil {
		return nil, fmt.Errorf("failed to pad before import-module array for %q: %w", m.Name, err)
	}

	importModulesOfs := uint32(buf.Len())

	relocOfsByImport := make([]uint32, len(m.Imports))

	// Reserve space for the import-module array; filled in below once we
	// know each group's reloc stream offset.
	importArrayOfs := uint32(buf.Len())
	if err := iometa.WriteZeros(buf, len(m.Imports)*ImportModuleRecordSize); err != nil {
		return nil, fmt.Errorf("failed to reserve import-module array for %q: %w", m.Name, err)
	}

	for i, imp := range m.Imports {
		if err := iometa.WriteZeros(buf, int(align.Address(uint32(buf.Len()), 4))-buf.Len()); err != nil {
			return nil, fmt.Errorf("failed to pad reloc stream %d for %q: %w", i, m.Name, err)
		}

		relocOfsByImport[i] = uint32(buf.Len())

		for j, r := range imp.Relocs {
			entry := RelocationEntry{Offset: r.Offset, Type: r.Type, Section: r.Section, SymOfs: r.SymOfs}
			if err := struc.PackWithOptions(buf, &entry, &byteOrder); err != nil {
				return nil, fmt.Errorf("failed to write reloc %d in import group %d for %q: %w", j, i, m.Name, err)
			}
		}
	}

	out = buf.Bytes()
	importArrayBuf := &bytes.Buffer{}
	for i, imp := range m.Imports {
		rec := ImportModuleRecord{
			SourceModuleID: imp.SourceModuleID,
			NumRelocs:      uint32(len(imp.Relocs)),
			RelocsOfs:      relocOfsByImport[i],
		}
		if err := struc.PackWithOptions(importArrayBuf, &rec, &byteOrder); err != nil {
			return nil, fmt.Errorf("failed to write import-module record %d for %q: %w", i, m.Name, err)
		}
	}
	copy(out[importArrayOfs:], importArrayBuf.Bytes())

	header.ImportModulesOfs = importModulesOfs
	header.SectionInfoOfs = sectionInfoOfs

	if m.Hooks.PrologSection != SectionUndefined {
		header.PrologOfs = dataOffsets[m.Hooks.PrologSection] + m.Hooks.PrologSymVal
	}
	if m.Hooks.EpilogSection != SectionUndefined {
		header.EpilogOfs = dataOffsets[m.Hooks.EpilogSection] + m.Hooks.EpilogSymVal
	}
	if m.Hooks.UnresolvedSection != SectionUndefined {
		header.UnresolvedOfs = dataOffsets[m.Hooks.UnresolvedSection] + m.Hooks.UnresolvedSymVal
	}

	headerBuf := &bytes.Buffer{}
	if err := struc.PackWithOptions(headerBuf, &header, &byteOrder); err != nil {
		return nil, fmt.Errorf("failed to write final module header for %q: %w", m.Name, err)
	}
	copy(out[:ModuleHeaderSize], headerBuf.Bytes())

	// total_size (module_size) is the full byte length of everything written
	// for this module: header, section-info, stored section data, the
	// import-module array, and every reloc stream. The loader copies exactly
	// this many bytes from ROM, since it needs the import/reloc tables in
	// RAM to run LinkModule.
	moduleSize := uint32(len(out))

	var noloadSize uint32
	for _, s := range m.Sections {
		if s.isBSS() {
			noloadSize = align.Address(noloadSize, max(s.Align, 1)) + s.Size
		}
	}

	return &Serialized{
		Blob: out,
		// 4 is the floor regardless of any stored section's own alignment,
		// matching the original packager's GetModuleAlign ("minimum module
		// alignment is 4"): the loader relies on word-aligned module images
		// for R_MIPS_26 anchoring and instruction reads.
		ModuleAlign: max(moduleAlign, 4),
		ModuleSize:  moduleSize,
		NoloadAlign: max(noloadAlign, 1),
		NoloadSize:  noloadSize,
	}, nil
}
