// Package resolve implements the packager's symbol resolver: given an
// undefined reference's symbol name and the requesting module's id, find
// the one other object (the host, or some other module) that defines it.
package resolve

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/cbarrett/ultramod/internal/bundle"
	"github.com/cbarrett/ultramod/internal/objfile"
)

// ErrUndefined is returned when no candidate object defines the requested
// symbol. Callers that know the requesting relocation's file/section/offset
// should wrap this into Diagnostic's format.
var ErrUndefined = errors.New("undefined reference")

// Result is a resolved symbol: which module defines it (bundle.HostModuleID
// for the host), which of that module's ELF sections it lives in, and its
// value in that module's own numbering (section-relative for a module,
// already-absolute for the host, matching the base_of(host, s) == 0
// convention relocation application relies on).
type Result struct {
	DefiningModuleID uint32
	Section          uint16
	Address          uint32
}

// candidate is one object the resolver may satisfy a reference against,
// together with the module id it resolves to.
type candidate struct {
	moduleID uint32
	file     *objfile.File
}

// Resolver holds every object participating in one packaging run: the host
// plus all modules, each already assigned its 1-based handle index.
type Resolver struct {
	host       *objfile.File
	modules    []*objfile.File
	candidates []candidate
}

// New builds a resolver from the host object and the modules in handle-
// table order (modules[i] is assigned module id i+1).
func New(host *objfile.File, modules []*objfile.File) *Resolver {
	candidates := make([]candidate, 0, len(modules)+1)
	candidates = append(candidates, candidate{moduleID: bundle.HostModuleID, file: host})
	for i, m := range modules {
		candidates = append(candidates, candidate{moduleID: uint32(i + 1), file: m})
	}

	return &Resolver{host: host, modules: modules, candidates: candidates}
}

// Resolve looks up name against the host first, then every module other
// than requesterID, in bundle order; the first match wins. A local symbol
// or one still undefined in a candidate is never considered a valid
// definition (spec §4.3).
func (r *Resolver) Resolve(name string, requesterID uint32) (Result, error) {
	for _, c := range r.candidates {
		if c.moduleID == requesterID {
			continue
		}

		for _, sym := range c.file.Symbols() {
			if sym.Name != name {
				continue
			}

			if objfile.IsLocal(sym) || !objfile.IsDefined(sym) {
				continue
			}

			return Result{
				DefiningModuleID: c.moduleID,
				Section:          uint16(sym.Section),
				Address:          uint32(sym.Value),
			}, nil
		}
	}

	return Result{}, fmt.Errorf("undefined reference to '%s': %w", name, ErrUndefined)
}

// Diagnostic formats the undefined-reference error spec §4.3 specifies:
// "<path>:(<section>+0x<offset>): undefined reference to '<name>'".
func Diagnostic(path string, section *elf.Section, offset uint64, name string) string {
	sectionName := "?"
	if section != nil {
		sectionName = section.Name
	}

	return fmt.Sprintf("%s:(%s+0x%x): undefined reference to '%s'", path, sectionName, offset, name)
}
