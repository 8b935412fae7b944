// Package pack is the packager's top-level orchestration: open the host,
// then every module object concurrently (bounded), resolve symbols, encode
// relocations, serialize each module, and assemble the final bundle.
package pack

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cbarrett/ultramod/internal/bundle"
	"github.com/cbarrett/ultramod/internal/objfile"
	"github.com/cbarrett/ultramod/internal/reloc"
	"github.com/cbarrett/ultramod/internal/resolve"
	"golang.org/x/sync/errgroup"
)

// Hook symbol/section names the packager looks for in every module object.
// The bundle format only carries section indices and offsets; these names
// are the packager-side convention for finding them (a module exports
// _prolog/_epilog/_unresolved and, optionally, .ctors/.dtors sections).
const (
	ctorSectionName = ".ctors"
	dtorSectionName = ".dtors"

	prologSymbol     = "_prolog"
	epilogSymbol     = "_epilog"
	unresolvedSymbol = "_unresolved"
)

// Options configures a packaging run.
type Options struct {
	// Parallelism bounds how many module objects are parsed concurrently.
	Parallelism int

	// MinAlign floors every section's alignment, for targets whose linker
	// emits sh_addralign == 0 (meaning "no constraint") on sections that
	// must still land on at least a word boundary.
	MinAlign uint32

	Logger *slog.Logger
}

// Build opens hostPath (a non-relocatable host executable) and every entry
// in modulePaths (relocatable module objects, in the order they should
// appear in the bundle's handle table), and returns the assembled bundle
// bytes ready to be written to the output file.
func Build(hostPath string, modulePaths []string, opts Options) ([]byte, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 4
	}

	host, hostFile, err := openFile(hostPath, objfile.KindHost)
	if err != nil {
		return nil, err
	}
	defer hostFile.Close()

	// elf.File reads section data lazily through the io.ReaderAt it was
	// opened with, so every underlying *os.File must stay open for as long
	// as buildModuleInput might still call Section.Data() on it.
	modules := make([]*objfile.File, len(modulePaths))
	moduleFiles := make([]*os.File, len(modulePaths))
	defer func() {
		for _, f := range moduleFiles {
			if f != nil {
				f.Close()
			}
		}
	}()

	eg := &errgroup.Group{}
	eg.SetLimit(parallelism)

	for i, path := range modulePaths {
		i, path := i, path
		eg.Go(func() error {
			f, osFile, err := openFile(path, objfile.KindModule)
			if err != nil {
				return err
			}
			modules[i] = f
			moduleFiles[i] = osFile
			logger.Debug("parsed module object", "path", path, "sections", len(f.ELF().Sections))
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	resolver := resolve.New(host, modules)

	named := make([]bundle.NamedModule, len(modules))
	for i, m := range modules {
		ownModuleID := uint32(i + 1)

		input, err := buildModuleInput(m, ownModuleID, resolver, opts.MinAlign)
		if err != nil {
			return nil, err
		}

		serialized, err := bundle.Serialize(*input)
		if err != nil {
			return nil, fmt.Errorf("serialize module %q: %w", input.Name, err)
		}

		named[i] = bundle.NamedModule{Name: input.Name, Serialized: *serialized}
		logger.Info("packaged module", "name", input.Name, "size", serialized.ModuleSize, "noload_size", serialized.NoloadSize)
	}

	buf := &bytes.Buffer{}
	if _, err := bundle.WriteBundle(buf, named); err != nil {
		return nil, fmt.Errorf("write bundle: %w", err)
	}

	return buf.Bytes(), nil
}

// openFile opens path and parses it as an object of the given kind. The
// returned *os.File must be kept open by the caller for as long as the
// *objfile.File's section data may still be read.
func openFile(path string, kind objfile.Kind) (*objfile.File, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s %q: %w", kind, path, err)
	}

	obj, err := objfile.Open(f, path, kind)
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	return obj, f, nil
}

// buildModuleInput extracts a module's section-info array, self- and
// cross-module relocation imports, and lifecycle hooks from its parsed ELF
// object, ready for bundle.Serialize.
func buildModuleInput(m *objfile.File, ownModuleID uint32, resolver *resolve.Resolver, minAlign uint32) (*bundle.ModuleInput, error) {
	ef := m.ELF()

	sections := make([]bundle.Section, len(ef.Sections))
	for i, s := range ef.Sections {
		switch {
		case objfile.IsStoredSection(s):
			data, err := s.Data()
			if err != nil {
				return nil, fmt.Errorf("%s: read section %q: %w", m.Path, s.Name, err)
			}
			sections[i] = bundle.Section{Data: data, Align: floorAlign(uint32(s.Addralign), minAlign), Size: uint32(s.Size)}
		case objfile.IsBSSSection(s):
			sections[i] = bundle.Section{Data: nil, Align: floorAlign(uint32(s.Addralign), minAlign), Size: uint32(s.Size)}
		default:
			// Null/elided section: leave it as the all-zero SectionInfo
			// entry the format tolerates.
		}
	}

	imports, err := reloc.EncodeModule(m, ownModuleID, resolver)
	if err != nil {
		return nil, err
	}

	return &bundle.ModuleInput{
		Name:     moduleName(m.Path),
		Sections: sections,
		Imports:  imports,
		Hooks:    findHooks(m),
	}, nil
}

func floorAlign(align, min uint32) uint32 {
	if align == 0 {
		align = min
	}
	if align == 0 {
		align = 1
	}
	return align
}

// moduleName derives a bundle handle's name from its source object's file
// name: the base name with any extension stripped.
func moduleName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// findHooks locates a module's ctor/dtor array sections and its optional
// prolog/epilog/unresolved functions by the packager's naming convention.
func findHooks(m *objfile.File) bundle.Hooks {
	h := bundle.Hooks{}

	ef := m.ELF()
	for i, s := range ef.Sections {
		switch s.Name {
		case ctorSectionName:
			h.CtorSection = uint16(i)
		case dtorSectionName:
			h.DtorSection = uint16(i)
		}
	}

	for _, sym := range m.Symbols() {
		if objfile.IsLocal(sym) || !objfile.IsDefined(sym) {
			continue
		}

		switch sym.Name {
		case prologSymbol:
			h.PrologSection = uint16(sym.Section)
			h.PrologSymVal = uint32(sym.Value)
		case epilogSymbol:
			h.EpilogSection = uint16(sym.Section)
			h.EpilogSymVal = uint32(sym.Value)
		case unresolvedSymbol:
			h.UnresolvedSection = uint16(sym.Section)
			h.UnresolvedSymVal = uint32(sym.Value)
		}
	}

	return h
}

