package simhost

// Range is a byte span passed to a cache-maintenance call.
type Range struct {
	Offset uint32
	Size   uint32
}

// CacheController records every writeback/invalidate call instead of
// touching real cache hardware, so tests can assert the loader flushes
// exactly the ranges each RelUltraSec destination-section boundary implies
// (spec's cache-flush coverage property) and undoes the same ranges on
// unlink.
type CacheController struct {
	Writebacks  []Range
	Invalidates []Range
}

// NewCacheController returns a controller with empty call logs.
func NewCacheController() *CacheController {
	return &CacheController{}
}

// DCacheWriteback records a data-cache writeback over [offset, offset+size).
func (c *CacheController) DCacheWriteback(offset, size uint32) {
	c.Writebacks = append(c.Writebacks, Range{Offset: offset, Size: size})
}

// ICacheInvalidate records an instruction-cache invalidate over
// [offset, offset+size).
func (c *CacheController) ICacheInvalidate(offset, size uint32) {
	c.Invalidates = append(c.Invalidates, Range{Offset: offset, Size: size})
}

// Reset clears both call logs, for reusing one controller across subtests.
func (c *CacheController) Reset() {
	c.Writebacks = nil
	c.Invalidates = nil
}
