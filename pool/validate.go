package pool

import (
	"unsafe"

	"github.com/cockroachdb/errors"
)

// chainValidator runs Validate without taking the pool's mutex
type chainValidator BlockPool

func (v *chainValidator) Validate() error {
	return (*BlockPool)(v).validate()
}

// Validate walks the block chain and the free list and returns an error describing the first broken
// piece of bookkeeping it finds. It is expensive and meant for tests and diagnostics.
func (p *BlockPool) Validate() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.validate()
}

func (p *BlockPool) owner(ptr unsafe.Pointer) *block {
	for b := p.current; b != nil; b = b.prev {
		if b.owns(ptr, p.slotSize) {
			return b
		}
	}
	return nil
}

func (p *BlockPool) validate() error {
	var blockCount int
	for b := p.current; b != nil; b = b.prev {
		if b.id != p.blockCount-1-blockCount {
			return errors.Errorf("block %d is out of order in the block chain", b.id)
		}
		if b.size != p.slotSize*p.chunksPerBlock {
			return errors.Errorf("block %d holds %d bytes, but blocks should hold %d", b.id, b.size, p.slotSize*p.chunksPerBlock)
		}
		blockCount++
	}
	if blockCount != p.blockCount {
		return errors.Errorf("the block count of the pool is %d, but the chain holds %d blocks", p.blockCount, blockCount)
	}

	if p.nextSlot < 0 || p.nextSlot > p.chunksPerBlock {
		return errors.Errorf("the next unused slot %d is outside of the block", p.nextSlot)
	}

	totalSlots := p.blockCount * p.chunksPerBlock
	var freeCount int
	for slot := p.freeList; slot != nil; slot = loadLink(slot) {
		if freeCount == totalSlots {
			return errors.New("the free list holds more slots than the pool has")
		}

		b := p.owner(slot)
		if b == nil {
			return errors.Errorf("free list entry %p is not a slot of this pool", slot)
		}
		if b == p.current && (uintptr(slot)-uintptr(b.base))/uintptr(p.slotSize) >= uintptr(p.nextSlot) {
			return errors.Errorf("free list entry %p was never handed out", slot)
		}
		if p.live != nil {
			live, known := p.live.Get(uintptr(slot))
			if !known || live {
				return errors.Errorf("free list entry %p is tracked as a live slot", slot)
			}
		}

		freeCount++
	}

	if freeCount != p.freeListSize {
		return errors.Errorf("the free list length of the pool is %d, but the list holds %d slots", p.freeListSize, freeCount)
	}

	if p.allocCount+p.freeListSize+p.unusedSlots() != totalSlots {
		return errors.Errorf("%d live slots, %d free slots and %d unused slots do not add up to the %d slots in the pool",
			p.allocCount, p.freeListSize, p.unusedSlots(), totalSlots)
	}

	return nil
}
