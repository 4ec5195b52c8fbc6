// Package pool implements a fixed-size slot allocator. Slots are carved out of blocks that are
// created on demand and kept until the pool is destroyed. Freed slots are threaded onto an
// intrusive free list and handed out again most recent first, so Allocate and Deallocate never
// search.
//
// Slot memory is not scanned by the garbage collector. It must not be used to hold the only
// reference to Go-managed memory.
package pool

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/rawalloc/internal/utils"
	"github.com/vkngwrapper/rawalloc/memutils"
	"golang.org/x/exp/slog"
)

// BlockPool hands out slots of a single size. Create one with New. Unless it was created with
// CreateSynchronized, a BlockPool must only be used by one goroutine at a time.
type BlockPool struct {
	logger      *slog.Logger
	createFlags CreateFlags
	mutex       utils.OptionalMutex

	slotSize       int
	chunksPerBlock int
	maxBlocks      int

	// current is the newest block, the head of the chain through block.prev
	current  *block
	nextSlot int
	freeList unsafe.Pointer

	blockCount   int
	allocCount   int
	freeListSize int

	live *swiss.Map[uintptr, bool]
}

// Allocate returns one slot. Slots released with Deallocate are reused first, then the unused
// slots of the newest block, and only then is a new block created. If MaxBlocks would be exceeded
// the returned error wraps memutils.ErrOutOfMemory.
//
// The memory is not zeroed.
func (p *BlockPool) Allocate() (unsafe.Pointer, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	var slot unsafe.Pointer
	if p.freeList != nil {
		slot = p.freeList
		p.freeList = loadLink(slot)
		p.freeListSize--
	} else {
		if p.current == nil || p.nextSlot == p.chunksPerBlock {
			err := p.addBlock()
			if err != nil {
				return nil, err
			}
		}

		slot = p.current.slot(p.nextSlot, p.slotSize)
		p.nextSlot++
	}

	p.allocCount++
	if p.live != nil {
		p.live.Put(uintptr(slot), true)
	}

	memutils.DebugValidate((*chainValidator)(p))
	return slot, nil
}

func (p *BlockPool) addBlock() error {
	if p.maxBlocks > 0 && p.blockCount >= p.maxBlocks {
		return errors.Wrapf(memutils.ErrOutOfMemory, "the pool already holds its limit of %d blocks", p.maxBlocks)
	}

	p.current = newBlock(p.blockCount, p.slotSize, p.chunksPerBlock, p.current)
	p.nextSlot = 0
	p.blockCount++

	p.logger.Debug("BlockPool::addBlock",
		slog.Int("Block", p.current.id),
		slog.Int("Size", p.current.size),
	)

	return nil
}

// Deallocate returns a slot obtained from Allocate to the pool. A nil pointer is ignored.
//
// Passing a pointer that did not come from this pool, or one that was already freed, corrupts the
// free list unless the pool was created with CreateValidatePointers, in which case an error is
// returned and nothing changes.
func (p *BlockPool) Deallocate(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.live != nil {
		live, known := p.live.Get(uintptr(ptr))
		if !known {
			return errors.Wrapf(memutils.ErrInvalidPointer, "%p is not a slot of this pool", ptr)
		}
		if !live {
			return errors.Wrapf(memutils.ErrDoubleFree, "%p", ptr)
		}
		p.live.Put(uintptr(ptr), false)
	}

	storeLink(ptr, p.freeList)
	p.freeList = ptr
	p.freeListSize++
	p.allocCount--

	memutils.DebugValidate((*chainValidator)(p))
	return nil
}

// Destroy drops every block. Pointers handed out by the pool must not be used afterwards. The
// pool is empty and may be used again.
func (p *BlockPool) Destroy() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.logger.Debug("BlockPool::Destroy",
		slog.Int("Blocks", p.blockCount),
		slog.Int("LiveSlots", p.allocCount),
	)

	for b := p.current; b != nil; {
		prev := b.prev
		b.words = nil
		b.base = nil
		b.prev = nil
		b = prev
	}

	p.current = nil
	p.nextSlot = 0
	p.freeList = nil
	p.blockCount = 0
	p.allocCount = 0
	p.freeListSize = 0
	if p.live != nil {
		p.live = swiss.NewMap[uintptr, bool](uint32(p.chunksPerBlock))
	}
}

// SlotSize is the size of every slot after rounding
func (p *BlockPool) SlotSize() int {
	return p.slotSize
}

func (p *BlockPool) ChunksPerBlock() int {
	return p.chunksPerBlock
}

func (p *BlockPool) BlockCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.blockCount
}

// AllocationCount is the number of slots currently handed out
func (p *BlockPool) AllocationCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.allocCount
}

// FreeListLength is the number of released slots waiting to be reused. It does not include slots
// of the newest block that were never handed out.
func (p *BlockPool) FreeListLength() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.freeListSize
}

func (p *BlockPool) unusedSlots() int {
	if p.current == nil {
		return 0
	}
	return p.chunksPerBlock - p.nextSlot
}

// AddStatistics adds the pool's totals to stats. Each block counts separately.
func (p *BlockPool) AddStatistics(stats *memutils.Statistics) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	stats.BlockCount += p.blockCount
	stats.BlockBytes += p.blockCount * p.chunksPerBlock * p.slotSize
	stats.AllocationCount += p.allocCount
	stats.AllocationBytes += p.allocCount * p.slotSize
}

// AddDetailedStatistics adds the pool's totals to stats. Every free slot is one free range, and the
// never-used tail of the newest block is one more.
func (p *BlockPool) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	stats.BlockCount += p.blockCount
	stats.BlockBytes += p.blockCount * p.chunksPerBlock * p.slotSize

	for i := 0; i < p.allocCount; i++ {
		stats.AddAllocation(p.slotSize)
	}
	for i := 0; i < p.freeListSize; i++ {
		stats.AddFreeRange(p.slotSize)
	}
	if unused := p.unusedSlots(); unused > 0 {
		stats.AddFreeRange(unused * p.slotSize)
	}
}

// PrintDetailedMap writes a JSON object describing the pool and each of its blocks
func (p *BlockPool) PrintDetailedMap(writer *jwriter.Writer) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	objState := writer.Object()
	defer objState.End()

	objState.Name("SlotSize").Int(p.slotSize)
	objState.Name("ChunksPerBlock").Int(p.chunksPerBlock)
	objState.Name("Allocations").Int(p.allocCount)
	objState.Name("FreeListLength").Int(p.freeListSize)
	objState.Name("UnusedSlots").Int(p.unusedSlots())

	arrayState := objState.Name("Blocks").Array()
	defer arrayState.End()

	// Oldest first
	blocks := make([]*block, p.blockCount)
	for b := p.current; b != nil; b = b.prev {
		blocks[b.id] = b
	}
	for _, b := range blocks {
		obj := arrayState.Object()
		obj.Name("Id").Int(b.id)
		obj.Name("Size").Int(b.size)
		obj.End()
	}
}

// BuildStatsString returns the output of PrintDetailedMap as a string
func (p *BlockPool) BuildStatsString() string {
	writer := jwriter.NewWriter()
	p.PrintDetailedMap(&writer)

	return string(writer.Bytes())
}
