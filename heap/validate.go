package heap

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/rawalloc/memutils"
)

// chainValidator runs the consistency walk without taking the allocator's mutex, for use from
// inside methods that already hold it
type chainValidator Allocator

func (v *chainValidator) Validate() error {
	return (*Allocator)(v).validate()
}

// Validate walks the whole chunk chain and returns an error describing the first broken piece
// of bookkeeping it finds. It is expensive and meant for tests and diagnostics.
func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.validate()
}

func (a *Allocator) validate() error {
	if a.end != a.region.Break() {
		return errors.Errorf("the heap ends at offset %d, but the region break is at %d", a.end, a.region.Break())
	}

	if a.chunkCount == 0 {
		if a.head != noChunk || a.tail != noChunk {
			return errors.New("the heap has no chunks, but its head or tail is set")
		}
		if a.end != a.mark {
			return errors.Errorf("the heap has no chunks, but it spans %d bytes", a.end-a.mark)
		}
		return nil
	}

	if a.head != a.mark {
		return errors.Errorf("the first chunk should be at offset %d, but instead it is at offset %d", a.mark, a.head)
	}

	var chunkCount, freeCount, allocCount, freeSize, usedSize int
	prev := noChunk
	offset := a.head
	for offset != noChunk {
		if chunkCount == a.chunkCount {
			return errors.Errorf("the chunk chain continues past the %d chunks the heap is tracking", a.chunkCount)
		}

		c := a.chunk(offset)
		if c.prev != prev {
			return errors.Errorf("chunk at offset %d lists %d as its previous chunk, but the previous chunk is at %d", offset, c.prev, prev)
		}
		if c.size <= 0 || !memutils.IsAligned(a.payload(offset), a.alignment) || c.size%int(a.alignment) != 0 {
			return errors.Errorf("chunk at offset %d has an invalid size %d for alignment %d", offset, c.size, a.alignment)
		}

		if c.next != noChunk && c.next != a.chunkEnd(offset) {
			return errors.Errorf("chunk at offset %d does not end at the next chunk's start offset %d", offset, c.next)
		}
		if c.next == noChunk && a.chunkEnd(offset) != a.end {
			return errors.Errorf("the last chunk ends at %d, but the heap ends at %d", a.chunkEnd(offset), a.end)
		}

		if c.IsFree() {
			if prev != noChunk && a.chunk(prev).IsFree() {
				return errors.Errorf("free chunks at offsets %d and %d are adjacent but were not merged", prev, offset)
			}
			freeCount++
			freeSize += c.size
		} else {
			allocCount++
			usedSize += c.size
		}

		chunkCount++
		prev = offset
		offset = c.next
	}

	if prev != a.tail {
		return errors.Errorf("the heap tail is at offset %d, but the last chunk is at offset %d", a.tail, prev)
	}
	if chunkCount != a.chunkCount {
		return errors.Errorf("the chunk count of the heap is %d, but the chain only holds %d chunks", a.chunkCount, chunkCount)
	}
	if freeCount != a.freeCount {
		return errors.Errorf("the free chunk count of the heap is %d, but there were only %d free chunks", a.freeCount, freeCount)
	}
	if allocCount != a.allocCount {
		return errors.Errorf("the allocation count of the heap is %d, but the used chunks only added up to %d", a.allocCount, allocCount)
	}
	if freeSize != a.freeSize {
		return errors.Errorf("the free size of the heap is %d, but the free chunks only added up to %d", a.freeSize, freeSize)
	}
	if usedSize != a.usedSize {
		return errors.Errorf("the used size of the heap is %d, but the used chunks only added up to %d", a.usedSize, usedSize)
	}

	return a.validateSearch()
}

func (a *Allocator) validateSearch() error {
	switch search := a.search.(type) {
	case *nextFitSearch:
		if search.lastFound == noChunk {
			return nil
		}
		for offset := a.head; offset != noChunk; offset = a.chunk(offset).next {
			if offset == search.lastFound {
				return nil
			}
		}
		return errors.Errorf("the next-fit cursor points at offset %d, which is not a chunk", search.lastFound)

	case *freeListSearch:
		var listed int
		prev := noChunk
		for offset := search.head; offset != noChunk; offset = a.chunk(offset).nextFree {
			if listed == a.freeCount {
				return errors.Errorf("the free list holds more than the %d free chunks in the heap", a.freeCount)
			}

			c := a.chunk(offset)
			if !c.IsFree() {
				return errors.Errorf("chunk at offset %d is in the free list but it is not free", offset)
			}
			if c.prevFree != prev {
				return errors.Errorf("chunk at offset %d lists the chunk at offset %d as its previous free chunk, but the reverse reference is broken", offset, c.prevFree)
			}

			listed++
			prev = offset
		}

		if listed != a.freeCount {
			return errors.Errorf("the number of free chunks in the chain and the number of chunks in the free list do not match! free list size: %d, free chunks: %d", listed, a.freeCount)
		}
	}

	return nil
}

// CheckCorruption verifies the anti-corruption markers behind every chunk in use. Markers are only
// written when built with the debug_mem_utils build tag, so without it this never fails.
func (a *Allocator) CheckCorruption() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for offset := a.head; offset != noChunk; offset = a.chunk(offset).next {
		c := a.chunk(offset)
		if c.IsFree() {
			continue
		}

		if !memutils.ValidateMagicValue(a.payload(offset), c.size-memutils.DebugMargin) {
			return errors.Errorf("memory corruption detected after the allocation at offset %d", offset)
		}
	}

	return nil
}
