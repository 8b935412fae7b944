// Package rtloader is the runtime half of the bundle format: given a bundle
// produced by the packager and a handful of narrow platform
// collaborators, it reads the handle table, loads modules on demand,
// performs MIPS relocations with instruction-cache coherence, runs lifecycle
// hooks under reference counting, and keeps already-loaded modules' call
// sites in sync as other modules come and go.
//
// The loader never talks to real hardware. It is built against four small
// interfaces — Memory, CacheController, HookInvoker, FrameInspector — that
// internal/simhost implements for tests and the reference host command; a
// real embedded target would satisfy the same interfaces with its actual
// allocator, cache controller, and function-pointer calling convention.
package rtloader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/cbarrett/ultramod/internal/bundle"
	"github.com/lunixbochs/struc"
)

// RomReader is the persistent-storage collaborator: ModuleInit and
// ModuleLoad only ever need to read bytes at an offset.
type RomReader = io.ReaderAt

// Memory is the simulated-RAM collaborator the loader allocates module
// images and BSS arenas from, and reads/writes relocation targets through.
// simhost.Arena implements this.
type Memory interface {
	Alloc(size, alignment uint32) (uint32, error)
	Free(offset uint32) error
	Bytes(offset, size uint32) []byte
}

// CacheController is the cache-maintenance collaborator the relocation
// engine flushes destination sections through. simhost.CacheController
// implements this.
type CacheController interface {
	DCacheWriteback(offset, size uint32)
	ICacheInvalidate(offset, size uint32)
}

// HookInvoker calls a ctor/dtor/prolog/epilog function pointer. On real
// hardware this is just a jump; simhost.HookInvoker backs it with a
// registry of Go callbacks keyed by the address the packager recorded.
type HookInvoker interface {
	Invoke(addr uint32, args ...uint32) (uint32, error)
}

// FrameInspector is the architecture-specific primitive the default
// unresolved handler uses to find its caller's return address.
// simhost.FrameInspector implements this.
type FrameInspector interface {
	CallerReturnAddress() (uint32, bool)
}

var (
	// ErrNoSuchModule is returned by ModuleLoad for a name not present in
	// the handle table.
	ErrNoSuchModule = errors.New("no such module")

	// ErrNotInitialized names the state before ModuleInit. No Loader method
	// returns it: before ModuleInit the handle table is empty, so
	// ModuleLoad reports ErrNoSuchModule and ModuleFind returns nil.
	ErrNotInitialized = errors.New("loader not initialized")
)

// Loader holds the process-wide handle table and the platform collaborators
// every load/unload/relocate call needs. It is not safe for concurrent use;
// callers must serialise their own access.
type Loader struct {
	mem    Memory
	cache  CacheController
	hooks  HookInvoker
	frames FrameInspector
	logger *slog.Logger

	rom            RomReader
	moduleDataBase int64
	handles        []*Handle

	defaultUnresolvedAddr     uint32
	haveDefaultUnresolvedAddr bool
}

// New constructs a Loader over its platform collaborators. Call ModuleInit
// before any other method.
func New(mem Memory, cache CacheController, hooks HookInvoker, frames FrameInspector, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}

	return &Loader{mem: mem, cache: cache, hooks: hooks, frames: frames, logger: logger}
}

// ModuleInit reads the bundle's outer header, handle table, and string
// table from rom and builds the in-memory handle table every other call
// operates on. It must be called exactly once before any other Loader
// method.
func (l *Loader) ModuleInit(rom RomReader) error {
	var outer bundle.OuterHeader

	hdrBuf := make([]byte, 8)
	if _, err := rom.ReadAt(hdrBuf, 0); err != nil {
		return fmt.Errorf("read outer header: %w", err)
	}
	if err := struc.UnpackWithOptions(bytes.NewReader(hdrBuf), &outer, bundle.Codec); err != nil {
		return fmt.Errorf("decode outer header: %w", err)
	}

	handleTableSize := outer.NumModules * bundle.HandleRecordSize
	blockSize := handleTableSize + outer.StringTableSize

	block := make([]byte, blockSize)
	if _, err := rom.ReadAt(block, 8); err != nil {
		return fmt.Errorf("read handle table + string table: %w", err)
	}

	handles := make([]*Handle, outer.NumModules)
	for i := uint32(0); i < outer.NumModules; i++ {
		var rec bundle.HandleRecord
		off := i * bundle.HandleRecordSize
		if err := struc.UnpackWithOptions(bytes.NewReader(block[off:off+bundle.HandleRecordSize]), &rec, bundle.Codec); err != nil {
			return fmt.Errorf("decode handle record %d: %w", i, err)
		}

		name := readCString(block[rec.NameOffset:])

		handles[i] = &Handle{
			id:          i + 1,
			Name:        name,
			ModuleAlign: rec.ModuleAlign,
			ModuleSize:  rec.ModuleSize,
			RomOffset:   rec.RomOffset,
			NoloadAlign: rec.NoloadAlign,
			NoloadSize:  rec.NoloadSize,
		}
	}

	l.rom = rom
	l.moduleDataBase = int64(8) + int64(blockSize)
	l.handles = handles

	return nil
}

// ModuleFind returns the handle named name, or nil if no module in the
// bundle has that name.
func (l *Loader) ModuleFind(name string) *Handle {
	for _, h := range l.handles {
		if h.Name == name {
			return h
		}
	}
	return nil
}

// Handles returns every handle in the bundle's table, in on-disk order,
// regardless of load state. It is exported for an inspector tool that needs
// to enumerate the whole table, rather than look up one handle by name or
// address.
func (l *Loader) Handles() []*Handle {
	return l.handles
}

// ModulePrintLoadedList logs every currently loaded module and its
// reference count, for the default unresolved handler's diagnostic dump
// and for operator inspection.
func (l *Loader) ModulePrintLoadedList() {
	for _, h := range l.handles {
		if h.IsLoaded() {
			l.logger.Info("loaded module", "name", h.Name, "ref_count", h.refCount, "base", fmt.Sprintf("0x%x", h.image.base))
		}
	}
}

// ModuleAddrToHandle returns the handle whose loaded image (including its
// BSS arena) contains ptr, or nil if ptr falls in no loaded module's range.
func (l *Loader) ModuleAddrToHandle(ptr uint32) *Handle {
	for _, h := range l.handles {
		if !h.IsLoaded() {
			continue
		}
		if ptr >= h.image.base && ptr < h.image.base+h.image.footprint {
			return h
		}
	}
	return nil
}

func (l *Loader) handleByModuleID(id uint32) *Handle {
	if id == bundle.HostModuleID || id == 0 || int(id) > len(l.handles) {
		return nil
	}
	return l.handles[id-1]
}

func readCString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
