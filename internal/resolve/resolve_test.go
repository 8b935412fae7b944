package resolve_test

import (
	"bytes"
	"debug/elf"
	"errors"
	"testing"

	"github.com/cbarrett/ultramod/internal/bundle"
	"github.com/cbarrett/ultramod/internal/elftest"
	"github.com/cbarrett/ultramod/internal/objfile"
	"github.com/cbarrett/ultramod/internal/resolve"
)

func openModule(t *testing.T, b *elftest.Builder, path string) *objfile.File {
	t.Helper()
	f, err := objfile.Open(bytes.NewReader(b.Bytes()), path, objfile.KindModule)
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	return f
}

func TestResolve(t *testing.T) {
	host := elftest.New(false)
	host.AddSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC, 4, make([]byte, 4))
	host.AddSymbol(elftest.Sym{Name: "host_func", Value: 0x1000, Section: 1, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC})
	host.AddSymbol(elftest.Sym{Name: "secret", Value: 0x2000, Section: 1, Bind: elf.STB_LOCAL, Type: elf.STT_FUNC})
	hostFile, err := objfile.Open(bytes.NewReader(host.Bytes()), "host", objfile.KindHost)
	if err != nil {
		t.Fatalf("Open(host): %v", err)
	}

	a := elftest.New(true)
	a.AddSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC, 4, make([]byte, 4))
	a.AddSymbol(elftest.Sym{Name: "a_func", Value: 0, Section: 1, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC})
	aFile := openModule(t, a, "a.o")

	b := elftest.New(true)
	b.AddSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC, 4, make([]byte, 4))
	b.AddSymbol(elftest.Sym{Name: "host_func", Section: elf.SHN_UNDEF, Bind: elf.STB_GLOBAL})
	bFile := openModule(t, b, "b.o")

	r := resolve.New(hostFile, []*objfile.File{aFile, bFile})

	res, err := r.Resolve("host_func", 2)
	if err != nil {
		t.Fatalf("Resolve(host_func): %v", err)
	}
	if res.DefiningModuleID != bundle.HostModuleID || res.Address != 0x1000 {
		t.Fatalf("Resolve(host_func) = %+v, want host module at 0x1000", res)
	}

	res, err = r.Resolve("a_func", 2)
	if err != nil {
		t.Fatalf("Resolve(a_func): %v", err)
	}
	if res.DefiningModuleID != 1 {
		t.Fatalf("Resolve(a_func).DefiningModuleID = %d, want 1", res.DefiningModuleID)
	}

	if _, err := r.Resolve("secret", 2); !errors.Is(err, resolve.ErrUndefined) {
		t.Fatalf("Resolve(secret) = %v, want ErrUndefined (local symbols never resolve)", err)
	}

	if _, err := r.Resolve("nonexistent", 2); !errors.Is(err, resolve.ErrUndefined) {
		t.Fatalf("Resolve(nonexistent) = %v, want ErrUndefined", err)
	}
}
