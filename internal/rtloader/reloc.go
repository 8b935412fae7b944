package rtloader

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cbarrett/ultramod/internal/bundle"
)

// ErrDegradedRelocation is returned when a degraded-apply pass (one whose
// source module is not yet loaded) meets an R_MIPS_26 entry that isn't
// pointed at the natural PC-relative zero it expects. The loader asserts
// this rather than silently dropping the call.
var ErrDegradedRelocation = errors.New("degraded relocation assumption violated")

// direction picks apply (add the resolved symbol address) vs undo
// (subtract it).
type direction int

const (
	directionApply direction = 1
	directionUndo  direction = -1
)

// sourceSections resolves the section table a relocation's symbol address
// should be computed against: nil for the host (sym_ofs is already
// absolute), the importing module's own sections for a self-import, or
// another module's sections if it has an image. loaded is false when
// sourceID names a module with no image, triggering the degraded-apply
// path. This is keyed on image presence rather than IsLoaded/ref_count,
// mirroring the original C loader's `module_handle_data[id-1].module !=
// NULL` check: a module's own image is assigned before its ref_count is
// set, so a module re-linking its dependents during its own LinkModule
// must already be considered "loaded" for this purpose.
func (l *Loader) sourceSections(importing *Handle, sourceID uint32) (sections []sectionAddr, isHost bool, loaded bool) {
	if sourceID == bundle.HostModuleID {
		return nil, true, true
	}
	if sourceID == importing.id {
		return importing.image.sections, false, true
	}

	h := l.handleByModuleID(sourceID)
	if h == nil || h.image == nil {
		return nil, false, false
	}
	return h.image.sections, false, true
}

// applyImportGroup replays (dir == directionApply) or reverses
// (dir == directionUndo) one import group's relocation stream against
// importing's loaded image.
func (l *Loader) applyImportGroup(importing *Handle, sourceID uint32, entries []bundle.RelocationEntry, dir direction) error {
	sections, isHost, loaded := l.sourceSections(importing, sourceID)
	degraded := !loaded && dir == directionApply

	var destAddr, destSize uint32
	var haveDest bool

	flush := func() {
		if haveDest && destSize > 0 {
			l.cache.DCacheWriteback(destAddr, destSize)
			l.cache.ICacheInvalidate(destAddr, destSize)
		}
	}

	unresolvedAddr := importing.image.unresolvedAddr

	for i, e := range entries {
		if e.Type == bundle.RelUltraSec {
			flush()

			if int(e.Section) >= len(importing.image.sections) {
				return fmt.Errorf("module %q: destination section %d out of range", importing.Name, e.Section)
			}
			sec := importing.image.sections[e.Section]
			destAddr, destSize = sec.addr, sec.size
			haveDest = true
			continue
		}

		if !haveDest {
			return fmt.Errorf("module %q: relocation entry %d precedes any destination section marker", importing.Name, i)
		}

		p := destAddr + e.Offset

		var symbolAddr uint32
		if !degraded {
			if isHost {
				symbolAddr = e.SymOfs
			} else {
				if int(e.Section) >= len(sections) {
					return fmt.Errorf("module %q: symbol section %d out of range in source module", importing.Name, e.Section)
				}
				symbolAddr = sections[e.Section].addr + e.SymOfs
			}
		}

		switch e.Type {
		case bundle.RelMips32:
			if degraded {
				continue
			}
			word := readWord(l.mem, p)
			if dir == directionApply {
				word += symbolAddr
			} else {
				word -= symbolAddr
			}
			writeWord(l.mem, p, word)

		case bundle.RelMipsHi16:
			if degraded {
				continue
			}
			loEntry, ok := findNextLo16(entries, i+1)
			if !ok {
				return fmt.Errorf("module %q: R_MIPS_HI16 at offset 0x%x has no matching R_MIPS_LO16 in its import group", importing.Name, e.Offset)
			}

			hiWord := readWord(l.mem, p)
			loWord := readWord(l.mem, destAddr+loEntry.Offset)

			hiOrig := hiWord & 0xFFFF
			loOrig := uint32(int32(int16(loWord & 0xFFFF)))

			var addr uint32
			if dir == directionApply {
				addr = (hiOrig << 16) + loOrig + symbolAddr
			} else {
				addr = (hiOrig << 16) + loOrig - symbolAddr
			}

			newHi := (addr >> 16) + ((addr & 0x8000) >> 15)
			writeWord(l.mem, p, (hiWord &^ 0xFFFF)|(newHi&0xFFFF))

		case bundle.RelMipsLo16:
			if degraded {
				continue
			}
			word := readWord(l.mem, p)
			var sum uint32
			if dir == directionApply {
				sum = word + symbolAddr
			} else {
				sum = word - symbolAddr
			}
			writeWord(l.mem, p, (word&0xFFFF0000)|(sum&0xFFFF))

		case bundle.RelMips26:
			word := readWord(l.mem, p)
			target := anchor(word, p)

			var newTarget uint32
			switch {
			case dir == directionUndo:
				// Mirrors UndoModuleImportRelocs in the original C loader
				// exactly: subtract the resolved symbol address the apply
				// pass added, then add back the unresolved-stub anchor,
				// rather than assuming the net result always equals
				// unresolvedAddr outright.
				newTarget = (target - (symbolAddr & 0x0FFFFFFC) + (unresolvedAddr & 0x0FFFFFFC)) & 0x0FFFFFFC
			case degraded:
				// The original C loader compares against the call site's
				// own region base (reloc_ptr & 0xF0000000), not literal
				// zero: a MIPS J-format target only encodes 28 bits, so an
				// unresolved call left by the compiler lands at region-base
				// + 0, and the region nibble in target comes straight from
				// p via anchor(). In this loader's flat, non-segmented
				// address model p's top nibble is always zero for any
				// arena under 256MiB, so the two checks coincide in
				// practice; comparing against the region base rather than
				// a bare 0 keeps the equivalence explicit instead of
				// silently relying on arena size.
				if regionBase := p & 0xF0000000; target != regionBase {
					return fmt.Errorf("%w: module %q: R_MIPS_26 at 0x%x targets 0x%x, expected the natural region-base zero 0x%x", ErrDegradedRelocation, importing.Name, p, target, regionBase)
				}
				newTarget = unresolvedAddr & 0x0FFFFFFC
			default:
				if target == unresolvedAddr {
					target = 0
				}
				newTarget = (target + (symbolAddr & 0x0FFFFFFC)) & 0x0FFFFFFC
			}

			writeWord(l.mem, p, packMips26(word, newTarget))

		default:
			l.logger.Warn("skipping unknown relocation type", "type", e.Type, "module", importing.Name)
		}
	}

	flush()
	return nil
}

func findNextLo16(entries []bundle.RelocationEntry, from int) (bundle.RelocationEntry, bool) {
	for i := from; i < len(entries); i++ {
		switch entries[i].Type {
		case bundle.RelUltraSec:
			return bundle.RelocationEntry{}, false
		case bundle.RelMipsLo16:
			return entries[i], true
		}
	}
	return bundle.RelocationEntry{}, false
}

// anchor extracts an R_MIPS_26 instruction's current jump target: the low
// 26 bits shifted left two, combined with the top 4 bits of the
// instruction's own address (the region a MIPS jump target is implicitly
// relative to).
func anchor(word, p uint32) uint32 {
	return ((word & 0x03FFFFFF) << 2) | (p & 0xF0000000)
}

// packMips26 rewrites word's low 26 bits from target, leaving the opcode
// bits untouched.
func packMips26(word, target uint32) uint32 {
	return (word &^ 0x03FFFFFF) | ((target >> 2) & 0x03FFFFFF)
}

func readWord(mem Memory, addr uint32) uint32 {
	return binary.BigEndian.Uint32(mem.Bytes(addr, 4))
}

func writeWord(mem Memory, addr, val uint32) {
	binary.BigEndian.PutUint32(mem.Bytes(addr, 4), val)
}
