package pack_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/cbarrett/ultramod/internal/bundle"
	"github.com/cbarrett/ultramod/internal/elftest"
	"github.com/cbarrett/ultramod/internal/pack"
	"github.com/cbarrett/ultramod/internal/rtloader"
	"github.com/cbarrett/ultramod/internal/simhost"
)

// TestBuildEndToEnd packages a host object and one module object referencing
// a host symbol through an R_MIPS_32 relocation, then loads the resulting
// bundle through the real runtime loader and checks the relocation landed.
func TestBuildEndToEnd(t *testing.T) {
	host := elftest.New(false)
	host.AddSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC, 4, make([]byte, 4))
	host.AddSymbol(elftest.Sym{Name: "host_api", Value: 0x500, Section: 1, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC})

	mod := elftest.New(true)
	mod.AddSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 4, make([]byte, 4))
	hostAPI := mod.AddSymbol(elftest.Sym{Name: "host_api", Section: elf.SHN_UNDEF, Bind: elf.STB_GLOBAL})
	mod.AddRelocations(".text", elftest.Rel{Offset: 0, Symbol: hostAPI, Type: bundle.RelMips32})

	dir := t.TempDir()
	hostPath := filepath.Join(dir, "host.exe")
	modPath := filepath.Join(dir, "mod.o")

	if err := os.WriteFile(hostPath, host.Bytes(), 0o644); err != nil {
		t.Fatalf("write host object: %v", err)
	}
	if err := os.WriteFile(modPath, mod.Bytes(), 0o644); err != nil {
		t.Fatalf("write module object: %v", err)
	}

	out, err := pack.Build(hostPath, []string{modPath}, pack.Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	arena := simhost.NewArena(1 << 20)
	loader := rtloader.New(arena, simhost.NewCacheController(), simhost.NewHookInvoker(), simhost.NewFrameInspector(), nil)

	if err := loader.ModuleInit(bytes.NewReader(out)); err != nil {
		t.Fatalf("ModuleInit: %v", err)
	}

	h, err := loader.ModuleLoad("mod")
	if err != nil {
		t.Fatalf("ModuleLoad(mod): %v", err)
	}

	textAddr, ok := h.SectionAddr(1)
	if !ok {
		t.Fatal("expected mod's .text section to resolve")
	}

	got := binary.BigEndian.Uint32(arena.Bytes(textAddr, 4))
	if got != 0x500 {
		t.Fatalf("relocated word = 0x%x, want 0x500 (host_api's address)", got)
	}
}
