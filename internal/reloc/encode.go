// Package reloc implements the packager's relocation encoder: it walks a
// module's ELF ".rel*" sections and turns each entry into the bundle's
// per-import-group relocation stream, inserting R_ULTRA_SEC
// destination-section markers as the encoder's own internal bookkeeping
// crosses section boundaries.
package reloc

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cbarrett/ultramod/internal/bundle"
	"github.com/cbarrett/ultramod/internal/objfile"
	"github.com/cbarrett/ultramod/internal/resolve"
)

var (
	// ErrUnsupportedRelocation is returned for any relocation type outside
	// the four MIPS kinds this format understands.
	ErrUnsupportedRelocation = errors.New("unsupported relocation type")

	// ErrBadSymbolIndex is returned when a relocation entry's symbol index
	// is out of range of the object's symbol table.
	ErrBadSymbolIndex = errors.New("symbol index out of symbol table range")

	// ErrDestinationSectionNotFound is returned when a ".rel<X>" section
	// has no corresponding "<X>" section to relocate.
	ErrDestinationSectionNotFound = errors.New("relocation destination section not found")
)

const relEntrySize = 8 // Elf32_Rel: two big-endian uint32s, no addend field

var supportedTypes = map[uint8]bool{
	bundle.RelMips32:   true,
	bundle.RelMips26:   true,
	bundle.RelMipsHi16: true,
	bundle.RelMipsLo16: true,
}

// group accumulates one import group's relocation stream while encoding,
// tracking the last destination section seen so repeated R_ULTRA_SEC
// markers aren't emitted for consecutive relocations into the same section.
type group struct {
	sourceModuleID uint32
	relocs         []bundle.Reloc
	lastDest       uint16
	lastDestSet    bool
}

// EncodeModule walks every ".rel*" section of file and returns the bundle
// import groups it produces, one per distinct source module referenced
// (including a self-import group if the module has any locally-defined
// relocation targets). ownModuleID is this module's own 1-based handle
// index, used both to key its self-import group and to exclude itself as a
// resolution candidate.
func EncodeModule(file *objfile.File, ownModuleID uint32, resolver *resolve.Resolver) ([]bundle.Import, error) {
	ef := file.ELF()
	symbols := file.Symbols()

	groups := map[uint32]*group{}
	var order []uint32

	getGroup := func(id uint32) *group {
		g, ok := groups[id]
		if !ok {
			g = &group{sourceModuleID: id}
			groups[id] = g
			order = append(order, id)
		}
		return g
	}

	for _, sec := range ef.Sections {
		if !strings.HasPrefix(sec.Name, ".rel") {
			continue
		}

		if sec.Type == elf.SHT_RELA {
			return nil, fmt.Errorf("%s: section %q: %w: RELA (explicit addend) relocations are not supported by this format", file.Path, sec.Name, ErrUnsupportedRelocation)
		}

		if sec.Type != elf.SHT_REL {
			continue
		}

		destName := strings.TrimPrefix(sec.Name, ".rel")

		destIndex, destSection, err := findSectionByName(ef, destName)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %q has no matching section %q", file.Path, ErrDestinationSectionNotFound, sec.Name, destName)
		}

		data, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("%s: failed to read relocation section %q: %w", file.Path, sec.Name, err)
		}

		count := len(data) / relEntrySize

		for i := 0; i < count; i++ {
			entry := data[i*relEntrySize : (i+1)*relEntrySize]

			off := binary.BigEndian.Uint32(entry[0:4])
			info := binary.BigEndian.Uint32(entry[4:8])

			relSym := info >> 8
			relType := uint8(info & 0xff)

			if !supportedTypes[relType] {
				return nil, fmt.Errorf("%s: %s: entry %d: %w: type %d", file.Path, sec.Name, i, ErrUnsupportedRelocation, relType)
			}

			if int(relSym) >= len(symbols) {
				return nil, fmt.Errorf("%s: %s: entry %d: %w: index %d >= %d", file.Path, sec.Name, i, ErrBadSymbolIndex, relSym, len(symbols))
			}

			sym := symbols[relSym]

			var sourceID uint32
			var section uint16
			var symOfs uint32

			if objfile.IsDefined(sym) {
				sourceID = ownModuleID
				section = uint16(sym.Section)
				symOfs = uint32(sym.Value)
			} else {
				res, err := resolver.Resolve(sym.Name, ownModuleID)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", resolve.Diagnostic(file.Path, destSection, uint64(off), sym.Name), err)
				}

				sourceID = res.DefiningModuleID
				section = res.Section
				symOfs = res.Address
			}

			g := getGroup(sourceID)

			if !g.lastDestSet || g.lastDest != uint16(destIndex) {
				g.relocs = append(g.relocs, bundle.Reloc{Type: bundle.RelUltraSec, Section: uint16(destIndex)})
				g.lastDest = uint16(destIndex)
				g.lastDestSet = true
			}

			g.relocs = append(g.relocs, bundle.Reloc{
				Offset:  off,
				Type:    relType,
				Section: section,
				SymOfs:  symOfs,
			})
		}
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	imports := make([]bundle.Import, 0, len(order))
	for _, id := range order {
		g := groups[id]
		imports = append(imports, bundle.Import{SourceModuleID: g.sourceModuleID, Relocs: g.relocs})
	}

	return imports, nil
}

func findSectionByName(f *elf.File, name string) (int, *elf.Section, error) {
	for i, s := range f.Sections {
		if s.Name == name {
			return i, s, nil
		}
	}

	return 0, nil, fmt.Errorf("no section named %q", name)
}
