package heap

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/rawalloc/memutils"
	"golang.org/x/exp/slog"
)

// requestSize converts a caller's byte count into the payload size of the chunk that serves it
func (a *Allocator) requestSize(n int) int {
	if n < a.minAllocSize {
		n = a.minAllocSize
	}
	return memutils.AlignUp(n+memutils.DebugMargin, a.alignment)
}

func (a *Allocator) clearChain() {
	a.head = noChunk
	a.tail = noChunk
	a.end = a.mark
	a.chunkCount = 0
	a.freeCount = 0
	a.allocCount = 0
	a.freeSize = 0
	a.usedSize = 0
}

// isSplittable reports whether handing out size bytes of the chunk leaves a remainder large
// enough to hold a header and a useful payload
func (a *Allocator) isSplittable(c *chunkHeader, size int) bool {
	return c.size >= size+a.headerSize+a.splitMin
}

// takeChunk hands the free chunk at offset out for an allocation of size bytes, splitting off
// the tail of the chunk when it is large enough to stand alone
func (a *Allocator) takeChunk(offset int, size int) {
	c := a.chunk(offset)
	if !c.IsFree() {
		panic("attempted to take a chunk that is already in use")
	}

	a.search.chunkTaken(a, offset)
	a.freeCount--
	a.freeSize -= c.size

	if a.isSplittable(c, size) {
		a.splitChunk(offset, size)
	}

	c.MarkTaken()
	a.allocCount++
	a.usedSize += c.size
}

// splitChunk shrinks the chunk at offset to size bytes and turns the rest into a new free chunk
// directly after it
func (a *Allocator) splitChunk(offset int, size int) {
	c := a.chunk(offset)

	remainderOffset := offset + a.headerSize + size
	remainder := a.chunk(remainderOffset)
	remainder.size = c.size - size - a.headerSize
	remainder.flags = 0
	remainder.prev = offset
	remainder.next = c.next
	remainder.prevFree = noChunk
	remainder.nextFree = noChunk

	if c.next != noChunk {
		a.chunk(c.next).prev = remainderOffset
	} else {
		a.tail = remainderOffset
	}
	c.next = remainderOffset
	c.size = size

	a.chunkCount++
	a.freeCount++
	a.freeSize += remainder.size
	a.counters.Splits++
	a.search.chunkFreed(a, remainderOffset)
}

// releaseChunk returns the used chunk at offset to the free state and merges it with whichever
// of its physical neighbors are free. It returns the offset of the resulting free chunk.
func (a *Allocator) releaseChunk(offset int) int {
	c := a.chunk(offset)
	if c.IsFree() {
		panic("attempted to release a chunk that is already free")
	}

	c.MarkFree()
	a.allocCount--
	a.usedSize -= c.size
	a.freeCount++
	a.freeSize += c.size
	a.search.chunkFreed(a, offset)

	if c.next != noChunk && a.chunk(c.next).IsFree() {
		a.mergeChunk(offset, c.next)
	}

	if c.prev != noChunk && a.chunk(c.prev).IsFree() {
		survivor := c.prev
		a.mergeChunk(survivor, offset)
		offset = survivor
	}

	return offset
}

// mergeChunk folds the free chunk next into the free chunk at offset, which must directly precede it
func (a *Allocator) mergeChunk(offset int, next int) {
	c := a.chunk(offset)
	n := a.chunk(next)
	if c.next != next || n.prev != offset {
		panic("cannot merge chunks that are not physically adjacent")
	}
	if !c.IsFree() || !n.IsFree() {
		panic("cannot merge a chunk that is in use")
	}

	a.search.chunkAbsorbed(a, next, offset)

	c.size += a.headerSize + n.size
	c.next = n.next
	if c.next != noChunk {
		a.chunk(c.next).prev = offset
	} else {
		a.tail = offset
	}

	// The absorbed header becomes free payload
	a.freeSize += a.headerSize
	a.freeCount--
	a.chunkCount--
	a.counters.Coalesces++
}

// growChunk extends the region by exactly one header and size bytes of payload and appends the
// new space to the chain as a used chunk
func (a *Allocator) growChunk(size int) (int, error) {
	oldBreak, err := a.region.Grow(a.headerSize + size)
	if err != nil {
		return noChunk, errors.WithSecondaryError(
			errors.Wrapf(memutils.ErrOutOfMemory, "failed to grow the heap by %d bytes", a.headerSize+size),
			err,
		)
	}

	if oldBreak != a.end {
		// Give back what we just took, the region was moved by someone else
		err = errors.Newf("the region break was at %d, but the heap ends at %d", oldBreak, a.end)
		resetErr := a.region.Reset(oldBreak)
		if resetErr != nil {
			err = errors.WithSecondaryError(err, resetErr)
		}
		return noChunk, err
	}

	offset := oldBreak
	c := a.chunk(offset)
	c.size = size
	c.flags = chunkUsed
	c.prev = a.tail
	c.next = noChunk
	c.prevFree = noChunk
	c.nextFree = noChunk

	if a.tail != noChunk {
		a.chunk(a.tail).next = offset
	} else {
		a.head = offset
	}
	a.tail = offset
	a.end = offset + a.headerSize + size

	a.chunkCount++
	a.allocCount++
	a.usedSize += size
	a.counters.Grows++

	a.logger.Debug("HeapAllocator::growChunk",
		slog.Int("Offset", offset),
		slog.Int("Size", size),
		slog.Int("Break", a.end),
	)

	return offset, nil
}
