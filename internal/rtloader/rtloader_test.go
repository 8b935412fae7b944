package rtloader_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/cbarrett/ultramod/internal/align"
	"github.com/cbarrett/ultramod/internal/bundle"
	"github.com/cbarrett/ultramod/internal/rtloader"
	"github.com/cbarrett/ultramod/internal/simhost"
)

// buildBundle serializes a bundle from already-built NamedModules, the way
// internal/pack would after packaging real ELF objects.
func buildBundle(t *testing.T, modules ...bundle.NamedModule) []byte {
	t.Helper()

	buf := &bytes.Buffer{}
	if _, err := bundle.WriteBundle(buf, modules); err != nil {
		t.Fatalf("WriteBundle: %v", err)
	}
	return buf.Bytes()
}

func serialize(t *testing.T, name string, input bundle.ModuleInput) bundle.NamedModule {
	t.Helper()

	input.Name = name
	ser, err := bundle.Serialize(input)
	if err != nil {
		t.Fatalf("Serialize(%s): %v", name, err)
	}
	return bundle.NamedModule{Name: name, Serialized: *ser}
}

func newTestLoader() (*rtloader.Loader, *simhost.Arena, *simhost.HookInvoker) {
	arena := simhost.NewArena(1 << 20)
	hooks := simhost.NewHookInvoker()
	loader := rtloader.New(arena, simhost.NewCacheController(), hooks, simhost.NewFrameInspector(), nil)
	return loader, arena, hooks
}

// TestLeafModuleLifecycle is spec §8 scenario 1: a module with no imports
// beyond the host, exporting prolog/epilog, loads and unloads cleanly.
func TestLeafModuleLifecycle(t *testing.T) {
	mod := serialize(t, "module1", bundle.ModuleInput{
		Sections: []bundle.Section{
			{}, // section 0 is reserved (SectionUndefined doubles as its sentinel)
			{Data: make([]byte, 16), Align: 4, Size: 16},
		},
		Hooks: bundle.Hooks{
			PrologSection: 1, PrologSymVal: 0,
			EpilogSection: 1, EpilogSymVal: 4,
		},
	})

	bundleBytes := buildBundle(t, mod)
	loader, _, hooks := newTestLoader()

	if err := loader.ModuleInit(bytes.NewReader(bundleBytes)); err != nil {
		t.Fatalf("ModuleInit: %v", err)
	}

	var log []string
	h, err := loader.ModuleLoad("module1", rtloader.WithHookInstaller(func(h *rtloader.Handle) {
		prolog, ok := h.PrologAddr()
		if !ok {
			t.Fatal("expected a prolog address")
		}
		hooks.Register(prolog, func(_ ...uint32) uint32 {
			log = append(log, "Entering module1's prolog")
			return 0
		})

		epilog, ok := h.EpilogAddr()
		if !ok {
			t.Fatal("expected an epilog address")
		}
		hooks.Register(epilog, func(_ ...uint32) uint32 {
			log = append(log, "Entering module1's epilog")
			return 0
		})
	}))
	if err != nil {
		t.Fatalf("ModuleLoad: %v", err)
	}

	if !h.IsLoaded() {
		t.Fatal("expected module1 to be loaded")
	}
	if len(log) != 1 || log[0] != "Entering module1's prolog" {
		t.Fatalf("unexpected log after load: %v", log)
	}

	if err := loader.ModuleUnload(h); err != nil {
		t.Fatalf("ModuleUnload: %v", err)
	}

	if h.IsLoaded() {
		t.Fatal("expected module1 to be unloaded")
	}
	if len(log) != 2 || log[1] != "Entering module1's epilog" {
		t.Fatalf("unexpected log after unload: %v", log)
	}
}

// TestCtorDtorLifecycle is spec §8 scenario 2: ctors run before prolog on
// load, epilog runs before dtors on unload, and a counter a ctor
// initializes, a prolog/epilog each bump, ends up at the value both
// contribute to.
func TestCtorDtorLifecycle(t *testing.T) {
	const ctorFuncAddr = 0x1000
	const dtorFuncAddr = 0x1001

	ctorData := make([]byte, 4)
	binary.BigEndian.PutUint32(ctorData, ctorFuncAddr)

	dtorData := make([]byte, 4)
	binary.BigEndian.PutUint32(dtorData, dtorFuncAddr)

	mod := serialize(t, "module2", bundle.ModuleInput{
		Sections: []bundle.Section{
			{}, // section 0 is reserved
			{Data: ctorData, Align: 4, Size: 4},        // section 1: ctor array
			{Data: dtorData, Align: 4, Size: 4},        // section 2: dtor array
			{Data: make([]byte, 8), Align: 4, Size: 8}, // section 3: prolog/epilog code
		},
		Hooks: bundle.Hooks{
			CtorSection: 1,
			DtorSection: 2,

			PrologSection: 3, PrologSymVal: 0,
			EpilogSection: 3, EpilogSymVal: 4,
		},
	})

	bundleBytes := buildBundle(t, mod)
	loader, _, hooks := newTestLoader()

	if err := loader.ModuleInit(bytes.NewReader(bundleBytes)); err != nil {
		t.Fatalf("ModuleInit: %v", err)
	}

	var log []string
	var counter uint32

	hooks.Register(ctorFuncAddr, func(_ ...uint32) uint32 {
		counter = 523
		log = append(log, "Running global constructor")
		log = append(log, "*counter_ptr = 523")
		return 0
	})
	hooks.Register(dtorFuncAddr, func(_ ...uint32) uint32 {
		log = append(log, "Running global destructor")
		log = append(log, "*counter_ptr = 545")
		return 0
	})

	h, err := loader.ModuleLoad("module2", rtloader.WithHookInstaller(func(h *rtloader.Handle) {
		prolog, _ := h.PrologAddr()
		hooks.Register(prolog, func(_ ...uint32) uint32 { counter += 5; return 0 })

		epilog, _ := h.EpilogAddr()
		hooks.Register(epilog, func(_ ...uint32) uint32 { counter += 17; return 0 })
	}))
	if err != nil {
		t.Fatalf("ModuleLoad: %v", err)
	}

	if counter != 528 {
		t.Fatalf("expected counter == 528 after ctor+prolog, got %d", counter)
	}
	if len(log) != 2 || log[0] != "Running global constructor" || log[1] != "*counter_ptr = 523" {
		t.Fatalf("unexpected ctor log: %v", log)
	}

	if err := loader.ModuleUnload(h); err != nil {
		t.Fatalf("ModuleUnload: %v", err)
	}

	if counter != 545 {
		t.Fatalf("expected counter == 545 after epilog+dtor, got %d", counter)
	}
	if len(log) != 4 || log[2] != "Running global destructor" || log[3] != "*counter_ptr = 545" {
		t.Fatalf("unexpected dtor log: %v", log)
	}
}

// TestDoubleLoadRefCount is spec §8 scenario 3.
func TestDoubleLoadRefCount(t *testing.T) {
	mod := serialize(t, "m", bundle.ModuleInput{
		Sections: []bundle.Section{{Data: make([]byte, 4), Align: 4, Size: 4}},
	})

	loader, _, _ := newTestLoader()
	if err := loader.ModuleInit(bytes.NewReader(buildBundle(t, mod))); err != nil {
		t.Fatalf("ModuleInit: %v", err)
	}

	h, err := loader.ModuleLoad("m")
	if err != nil {
		t.Fatalf("first ModuleLoad: %v", err)
	}
	if _, err := loader.ModuleLoad("m"); err != nil {
		t.Fatalf("second ModuleLoad: %v", err)
	}
	if h.RefCount() != 2 {
		t.Fatalf("expected ref count 2, got %d", h.RefCount())
	}

	if err := loader.ModuleUnload(h); err != nil {
		t.Fatalf("first ModuleUnload: %v", err)
	}
	if !h.IsLoaded() {
		t.Fatal("expected m to still be loaded after one unload")
	}

	if err := loader.ModuleUnload(h); err != nil {
		t.Fatalf("second ModuleUnload: %v", err)
	}
	if h.IsLoaded() {
		t.Fatal("expected m to be unloaded after both unloads")
	}
}

// TestAddrToHandle is spec §8 scenario 6.
func TestAddrToHandle(t *testing.T) {
	mod := serialize(t, "m", bundle.ModuleInput{
		Sections: []bundle.Section{
			{Data: make([]byte, 16), Align: 4, Size: 16},
			{Data: nil, Align: 4, Size: 32}, // BSS
		},
	})

	loader, _, _ := newTestLoader()
	if err := loader.ModuleInit(bytes.NewReader(buildBundle(t, mod))); err != nil {
		t.Fatalf("ModuleInit: %v", err)
	}

	h, err := loader.ModuleLoad("m")
	if err != nil {
		t.Fatalf("ModuleLoad: %v", err)
	}

	base, ok := h.Base()
	if !ok {
		t.Fatal("expected m to report a base address")
	}

	footprint := align.Address(mod.ModuleSize, mod.NoloadAlign) + mod.NoloadSize

	if got := loader.ModuleAddrToHandle(base); got != h {
		t.Fatalf("ModuleAddrToHandle(base) = %v, want %v", got, h)
	}
	if got := loader.ModuleAddrToHandle(base + footprint - 1); got != h {
		t.Fatalf("ModuleAddrToHandle(base+footprint-1) = %v, want %v", got, h)
	}
	if got := loader.ModuleAddrToHandle(base + footprint); got != nil {
		t.Fatalf("ModuleAddrToHandle(base+footprint) = %v, want nil", got)
	}
}
