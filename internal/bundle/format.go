// Package bundle defines the on-disk bundle format shared by the packager
// and the runtime loader, and implements the packager-side halves of it: the
// per-module serializer and the outer bundle writer. Everything in this
// package is big-endian, matching the MIPS target the bundle is built for.
//
// Every on-disk structure here is a plain Go struct with no variable-length
// tails, packed and unpacked with struc.PackWithOptions / struc.UnpackWithOptions
// under a fixed byte order.
package bundle

import (
	"encoding/binary"

	"github.com/lunixbochs/struc"
)

// byteOrder is the single byte order used across the whole bundle format,
// shared by the packager-side writer in this package and the runtime
// loader's reader.
var byteOrder = struc.Options{Order: binary.BigEndian}

// Codec exposes byteOrder to other packages (the runtime loader) that need
// to unpack these same structures without duplicating the struc options.
var Codec = &byteOrder


// Relocation types. The first four mirror the corresponding MIPS ELF
// relocation constants (elf.R_MIPS_32 etc); R_ULTRA_SEC is synthetic and
// never appears in an ELF file.
const (
	RelMips32   = 2
	RelMips26   = 4
	RelMipsHi16 = 5
	RelMipsLo16 = 6
	RelUltraSec = 100
)

// SectionUndefined is the sentinel value for a hook's *_section field when
// the corresponding ctor/dtor/prolog/epilog/unresolved hook is absent.
const SectionUndefined = 0

// HostModuleID identifies the host executable as a relocation's source
// module; every other source id is 1-based into the handle table.
const HostModuleID = 0

// OuterHeader is the 8-byte header at the very start of a bundle.
type OuterHeader struct {
	NumModules      uint32
	StringTableSize uint32
}

// HandleRecordSize is the fixed size in bytes of one HandleRecord.
const HandleRecordSize = 32

// HandleRecord is one entry of the bundle's handle table. NameOffset is
// relative to the start of the handle table (the handle array and string
// table are read as one block), and RomOffset is relative to the start of
// the module data region that follows the string table. The runtime loader
// resolves both against those bases on ModuleInit without rewriting the
// record.
type HandleRecord struct {
	NameOffset  uint32
	ModuleAlign uint32
	ModuleSize  uint32
	RomOffset   uint32
	NoloadAlign uint32
	NoloadSize  uint32
	Reserved0   uint32
	Reserved1   uint32
}

// ModuleHeaderSize is the fixed size in bytes of a ModuleHeader.
const ModuleHeaderSize = 40

// ModuleHeader is the fixed-size header at the start of a module blob.
// All *Ofs fields are relative to the start of the blob.
type ModuleHeader struct {
	NumSections       uint32
	SectionInfoOfs    uint32
	NumImportModules  uint32
	ImportModulesOfs  uint32
	CtorSection       uint16
	DtorSection       uint16
	PrologSection     uint16
	EpilogSection     uint16
	UnresolvedSection uint16
	Pad               uint16
	PrologOfs         uint32
	EpilogOfs         uint32
	UnresolvedOfs     uint32
}

// SectionInfoSize is the fixed size in bytes of one SectionInfo entry.
const SectionInfoSize = 12

// SectionInfo describes one section of a module blob. OffsetOrNull == 0 &&
// Size > 0 marks a BSS section whose address is assigned from the BSS arena
// at load time rather than stored in the blob.
type SectionInfo struct {
	OffsetOrNull uint32
	Align        uint32
	Size         uint32
}

// IsBSS reports whether this section describes a NOBITS/BSS region.
func (s SectionInfo) IsBSS() bool {
	return s.OffsetOrNull == 0 && s.Size > 0
}

// IsNull reports whether this is an elided ELF section 0 / non-PROGBITS
// section that the packager chose not to represent.
func (s SectionInfo) IsNull() bool {
	return s.OffsetOrNull == 0 && s.Align == 0 && s.Size == 0
}

// ImportModuleRecordSize is the fixed size in bytes of one ImportModuleRecord.
const ImportModuleRecordSize = 12

// ImportModuleRecord describes one import group: all relocations sourced
// from a single module (SourceModuleID == HostModuleID for the host, or a
// 1-based handle index otherwise — including the module's own index, for
// self-imports).
type ImportModuleRecord struct {
	SourceModuleID uint32
	NumRelocs      uint32
	RelocsOfs      uint32
}

// RelocationEntrySize is the fixed size in bytes of one RelocationEntry.
const RelocationEntrySize = 12

// RelocationEntry is one relocation record in an import group's stream. For
// RelUltraSec, Section is reinterpreted as the destination section that
// subsequent entries' Offset fields are relative to.
type RelocationEntry struct {
	Offset  uint32
	Type    uint8
	Pad     uint8
	Section uint16
	SymOfs  uint32
}
