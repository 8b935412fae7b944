// Package simhost provides host-side stand-ins for the narrow external
// collaborators the runtime loader needs on real MIPS hardware: a RAM pool
// to allocate BSS/heap space from, cache-maintenance instructions, the
// ability to jump to a ctor/dtor/prolog/epilog/unresolved function pointer,
// and a caller-return-address primitive. None of these exist in a host Go
// process, so simhost models them in pure Go the way internal/bootloader
// models a boot entrypoint as a narrow interface rather than real firmware.
package simhost

import (
	"errors"
	"fmt"

	"github.com/cbarrett/ultramod/internal/align"
)

// ErrOutOfMemory is returned when an Arena has no room left for a request.
var ErrOutOfMemory = errors.New("arena exhausted")

// ErrInvalidFree is returned when Free is called on an offset the arena did
// not hand out, or has already freed.
var ErrInvalidFree = errors.New("invalid free")

type freeBlock struct {
	offset uint32
	size   uint32
}

// Arena is a fixed-size simulated RAM pool addressed by uint32 offsets
// rather than real pointers. The runtime loader uses it for everything a
// real target would carve out of its fixed memory map: module images, BSS
// regions, and ad-hoc allocations a ctor might make. First-fit over a free
// list is tried before falling back to bumping the high-water mark, so
// alloc/free/alloc cycles don't monotonically exhaust the pool.
type Arena struct {
	pool []byte
	next uint32
	free []freeBlock
	live map[uint32]uint32
}

// NewArena creates an arena backed by a zeroed pool of the given size.
func NewArena(size uint32) *Arena {
	return &Arena{pool: make([]byte, size), live: map[uint32]uint32{}}
}

// Alloc reserves size bytes aligned to alignment and returns their offset.
// Requesting zero bytes always succeeds with offset 0 and allocates nothing.
func (a *Arena) Alloc(size, alignment uint32) (uint32, error) {
	if size == 0 {
		return 0, nil
	}

	if alignment == 0 {
		alignment = 1
	}

	for i, b := range a.free {
		start := align.Address(b.offset, alignment)
		end := start + size
		if end > b.offset+b.size {
			continue
		}

		a.free = append(a.free[:i:i], a.free[i+1:]...)
		if start > b.offset {
			a.free = append(a.free, freeBlock{offset: b.offset, size: start - b.offset})
		}
		if end < b.offset+b.size {
			a.free = append(a.free, freeBlock{offset: end, size: b.offset + b.size - end})
		}

		a.live[start] = size
		return start, nil
	}

	start := align.Address(a.next, alignment)
	if uint64(start)+uint64(size) > uint64(len(a.pool)) {
		return 0, fmt.Errorf("%w: need %d bytes at align %d, %d of %d remaining", ErrOutOfMemory, size, alignment, uint32(len(a.pool))-a.next, len(a.pool))
	}

	a.next = start + size
	a.live[start] = size
	return start, nil
}

// Free releases a block previously returned by Alloc, making it available
// for reuse by a later Alloc call. Offset 0 is ambiguous on its own — it is
// both the real address of a pool's very first allocation and the sentinel
// Alloc(0, ...) returns for a zero-size request — so it is only treated as
// the latter's no-op when it isn't a live allocation.
func (a *Arena) Free(offset uint32) error {
	size, ok := a.live[offset]
	if !ok {
		if offset == 0 {
			return nil
		}
		return fmt.Errorf("%w: offset 0x%x is not a live allocation", ErrInvalidFree, offset)
	}

	delete(a.live, offset)
	a.free = append(a.free, freeBlock{offset: offset, size: size})
	return nil
}

// Bytes returns a slice of the pool covering [offset, offset+size), for
// writing module data into the arena or reading it back out.
func (a *Arena) Bytes(offset, size uint32) []byte {
	return a.pool[offset : offset+size]
}

// Len returns the total size of the pool.
func (a *Arena) Len() uint32 {
	return uint32(len(a.pool))
}
