// Package objfile is the packager's ELF reader adapter: it opens one input
// object, validates that it is a 32-bit big-endian MIPS ELF file of the
// expected kind, and exposes its sections and symbols to the resolver and
// relocation encoder.
package objfile

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
)

// Kind distinguishes the one non-relocatable host executable from the
// relocatable module objects that import from it.
type Kind int

const (
	// KindHost is the pre-linked, non-relocatable executable every module
	// may import symbols from. Exactly one must be supplied, and it must
	// come first on the packager command line.
	KindHost Kind = iota

	// KindModule is a relocatable object that will become one module in
	// the bundle.
	KindModule
)

func (k Kind) String() string {
	if k == KindHost {
		return "host"
	}
	return "module"
}

var (
	// ErrNotValidObject covers every structural validation failure: wrong
	// class, wrong endianness, wrong machine, wrong version, or a missing
	// symbol table.
	ErrNotValidObject = errors.New("not a valid object")

	// ErrWrongRelocationKind is returned when the host input is
	// relocatable, or a module input is not.
	ErrWrongRelocationKind = errors.New("wrong relocation kind")
)

// File is one opened and validated input object.
type File struct {
	Path string
	Kind Kind

	elf     *elf.File
	symbols []elf.Symbol
}

// Open parses and validates r as an ELF object of the given kind. It
// requires: ELFCLASS32, ELFDATA2MSB (big-endian), EM_MIPS, the current ELF
// version, a non-empty symbol table, and a file type matching kind (ET_REL
// for a module, anything else carrying symbols for the host).
func Open(r io.ReaderAt, path string, kind Kind) (*File, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse ELF file: %w: %w", path, err, ErrNotValidObject)
	}

	if f.Class != elf.ELFCLASS32 {
		return nil, fmt.Errorf("%s: class %s is not 32-bit: %w", path, f.Class, ErrNotValidObject)
	}

	if f.Data != elf.ELFDATA2MSB {
		return nil, fmt.Errorf("%s: data encoding %s is not big-endian: %w", path, f.Data, ErrNotValidObject)
	}

	if f.Machine != elf.EM_MIPS {
		return nil, fmt.Errorf("%s: machine %s is not MIPS: %w", path, f.Machine, ErrNotValidObject)
	}

	if f.Version != elf.EV_CURRENT {
		return nil, fmt.Errorf("%s: ELF version %d is not current: %w", path, f.Version, ErrNotValidObject)
	}

	if kind == KindModule && f.Type != elf.ET_REL {
		return nil, fmt.Errorf("%s: expected a relocatable module object but got %s: %w", path, f.Type, ErrWrongRelocationKind)
	}

	if kind == KindHost && f.Type == elf.ET_REL {
		return nil, fmt.Errorf("%s: host executable must not be relocatable: %w", path, ErrWrongRelocationKind)
	}

	symbols, err := f.Symbols()
	if err != nil || len(symbols) == 0 {
		return nil, fmt.Errorf("%s: object carries no symbol table (stripped?): %w", path, ErrNotValidObject)
	}

	// elf.File.Symbols() silently drops the reserved index-0 null symbol,
	// but relocation entries encode raw symbol-table indices that count it.
	// Put it back so Symbols()[i] lines up with a relocation's symbol index.
	symbols = append([]elf.Symbol{{}}, symbols...)

	return &File{
		Path:    path,
		Kind:    kind,
		elf:     f,
		symbols: symbols,
	}, nil
}

// ELF exposes the underlying parsed file for callers (the resolver, the
// relocation encoder) that need direct access to sections/relocations.
func (f *File) ELF() *elf.File {
	return f.elf
}

// Symbols returns every symbol in the object's symbol table, in their
// original ELF symbol-table order (so that symbol table indices used by
// relocation entries line up).
func (f *File) Symbols() []elf.Symbol {
	return f.symbols
}

// Section returns the section at the given ELF section index, or an error
// if out of range. Index 0 is always the reserved null section.
func (f *File) Section(index int) (*elf.Section, error) {
	if index < 0 || index >= len(f.elf.Sections) {
		return nil, fmt.Errorf("section index %d out of range (have %d sections): %w", index, len(f.elf.Sections), ErrNotValidObject)
	}

	return f.elf.Sections[index], nil
}

// IsStoredSection reports whether a section's bytes belong in the bundle
// (PROGBITS with SHF_ALLOC) as opposed to being elided (symtab, strtab,
// rel sections, debug info, the null section) or represented as BSS.
func IsStoredSection(s *elf.Section) bool {
	return s.Type == elf.SHT_PROGBITS && s.Flags&elf.SHF_ALLOC != 0
}

// IsBSSSection reports whether a section is a NOBITS/BSS allocation that
// contributes no stored bytes but does reserve address space.
func IsBSSSection(s *elf.Section) bool {
	return s.Type == elf.SHT_NOBITS && s.Flags&elf.SHF_ALLOC != 0
}

// IsLocal reports whether a symbol has local binding. A local symbol can
// never be a valid resolution target for an undefined reference from
// another module.
func IsLocal(sym elf.Symbol) bool {
	return elf.ST_BIND(sym.Info) == elf.STB_LOCAL
}

// IsDefined reports whether a symbol is defined in some section of this
// object (i.e. not SHN_UNDEF).
func IsDefined(sym elf.Symbol) bool {
	return sym.Section != elf.SHN_UNDEF
}
