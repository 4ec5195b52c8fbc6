package heap

import (
	"unsafe"
)

// chunkHeader sits directly in front of every chunk's payload inside the region. Links are
// offsets from the region base rather than pointers, so the chain survives being invisible
// to the garbage collector and holds the same values wherever the region is mapped.
type chunkHeader struct {
	size     int
	flags    int
	prev     int
	next     int
	prevFree int
	nextFree int
}

const (
	rawHeaderSize = int(unsafe.Sizeof(chunkHeader{}))

	// noChunk terminates the physical chain and the free list
	noChunk = -1

	chunkUsed = 1
)

func (h *chunkHeader) IsFree() bool {
	return h.flags&chunkUsed == 0
}

func (h *chunkHeader) MarkFree() {
	h.flags &^= chunkUsed
}

func (h *chunkHeader) MarkTaken() {
	h.flags |= chunkUsed
}

// chunk returns the header stored at offset. The offset must be a chunk start inside the
// region's break.
func (a *Allocator) chunk(offset int) *chunkHeader {
	return (*chunkHeader)(unsafe.Add(a.base, offset))
}

// payload returns the first byte a caller may use in the chunk at offset
func (a *Allocator) payload(offset int) unsafe.Pointer {
	return unsafe.Add(a.base, offset+a.headerSize)
}

// headerOffset is the inverse of payload. It does not check that ptr came from this allocator.
func (a *Allocator) headerOffset(ptr unsafe.Pointer) int {
	return int(uintptr(ptr)-uintptr(a.base)) - a.headerSize
}

// inRegion reports whether ptr could be a payload pointer issued by this allocator
func (a *Allocator) inRegion(ptr unsafe.Pointer) bool {
	addr := uintptr(ptr)
	start := uintptr(a.base) + uintptr(a.mark+a.headerSize)
	end := uintptr(a.base) + uintptr(a.end)
	return addr >= start && addr < end
}

// chunkEnd is the offset just past the payload of the chunk at offset
func (a *Allocator) chunkEnd(offset int) int {
	return offset + a.headerSize + a.chunk(offset).size
}
