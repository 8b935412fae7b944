package simhost

import "testing"

func TestCacheControllerRecordsCalls(t *testing.T) {
	c := NewCacheController()

	c.DCacheWriteback(0x100, 16)
	c.ICacheInvalidate(0x100, 16)
	c.DCacheWriteback(0x200, 4)

	if len(c.Writebacks) != 2 || len(c.Invalidates) != 1 {
		t.Fatalf("Writebacks=%v Invalidates=%v, want 2 writebacks and 1 invalidate", c.Writebacks, c.Invalidates)
	}
	if c.Writebacks[0] != (Range{Offset: 0x100, Size: 16}) {
		t.Fatalf("Writebacks[0] = %+v, want {0x100, 16}", c.Writebacks[0])
	}

	c.Reset()
	if len(c.Writebacks) != 0 || len(c.Invalidates) != 0 {
		t.Fatal("Reset did not clear the call logs")
	}
}

func TestFrameInspectorPushPop(t *testing.T) {
	f := NewFrameInspector()

	if _, ok := f.CallerReturnAddress(); ok {
		t.Fatal("expected no caller return address on an empty stack")
	}

	f.Push(0x1000)
	f.Push(0x2000)

	if addr, ok := f.CallerReturnAddress(); !ok || addr != 0x2000 {
		t.Fatalf("CallerReturnAddress() = (0x%x, %v), want (0x2000, true)", addr, ok)
	}

	f.Pop()
	if addr, ok := f.CallerReturnAddress(); !ok || addr != 0x1000 {
		t.Fatalf("CallerReturnAddress() after Pop = (0x%x, %v), want (0x1000, true)", addr, ok)
	}

	f.Pop()
	f.Pop() // popping past empty is a no-op
	if _, ok := f.CallerReturnAddress(); ok {
		t.Fatal("expected no caller return address after popping every frame")
	}
}
