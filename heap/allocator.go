// Package heap implements a general-purpose allocator over a single growable region. The region
// is carved into a chain of chunks in address order, each led by a small header. Requests are
// served from free chunks found by the configured Strategy, splitting them when the leftover is
// large enough, and the region only grows when nothing fits. Freed chunks merge with free
// neighbors on both sides.
//
// Payload memory is not scanned by the garbage collector. It must not be used to hold the only
// reference to Go-managed memory.
package heap

import (
	"math"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/rawalloc/internal/utils"
	"github.com/vkngwrapper/rawalloc/memutils"
	"github.com/vkngwrapper/rawalloc/memutils/brk"
	"golang.org/x/exp/slog"
)

// Counters accumulate activity since the allocator was created. They are not cleared by Reset
// or Configure.
type Counters struct {
	// Grows is the number of times the region was extended
	Grows int
	// ScanSteps is the number of chunks visited while searching for free space
	ScanSteps int
	// Splits is the number of free remainders cut off chunks being handed out
	Splits int
	// Coalesces is the number of merges between physically adjacent free chunks
	Coalesces int
}

// Allocator hands out memory from a brk.Region. Create one with New. Unless it was created
// with CreateSynchronized, an Allocator must only be used by one goroutine at a time.
type Allocator struct {
	logger      *slog.Logger
	region      brk.Region
	base        unsafe.Pointer
	createFlags CreateFlags
	mutex       utils.OptionalMutex

	alignment    uint
	headerSize   int
	minAllocSize int
	splitMin     int

	// mark is where the heap starts in the region, end is the region break the heap believes in
	mark int
	end  int

	head       int
	tail       int
	chunkCount int
	freeCount  int
	allocCount int
	freeSize   int
	usedSize   int

	strategy Strategy
	search   searchStrategy
	counters Counters

	// live maps payload offsets to whether they are currently allocated
	live *swiss.Map[int, bool]
}

func (a *Allocator) setStrategy(strategy Strategy) {
	a.strategy = strategy
	a.search = newSearchStrategy(strategy)
}

// Allocate returns a pointer to at least n bytes aligned to the allocator's alignment. Requesting
// 0 bytes returns a nil pointer and no error. If the region cannot grow far enough, the returned
// error wraps memutils.ErrOutOfMemory.
//
// The memory is not zeroed.
func (a *Allocator) Allocate(n int) (unsafe.Pointer, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	offset, err := a.allocate(n)
	if err != nil || offset == noChunk {
		return nil, err
	}

	return a.payload(offset), nil
}

// AllocateBytes works like Allocate, but returns the memory as a slice of length n
func (a *Allocator) AllocateBytes(n int) ([]byte, error) {
	ptr, err := a.Allocate(n)
	if err != nil || ptr == nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(ptr), n), nil
}

func (a *Allocator) allocate(n int) (int, error) {
	if n < 0 {
		return noChunk, errors.Wrapf(memutils.ErrInvalidSize, "cannot allocate %d bytes", n)
	}
	if n == 0 {
		return noChunk, nil
	}
	// Aligning the payload and adding a header must stay within int
	if n > math.MaxInt-memutils.DebugMargin-int(a.alignment)-a.headerSize {
		return noChunk, errors.Wrapf(memutils.ErrOutOfMemory, "cannot allocate %d bytes", n)
	}

	size := a.requestSize(n)

	offset := a.search.find(a, size)
	if offset != noChunk {
		a.takeChunk(offset, size)
	} else {
		var err error
		offset, err = a.growChunk(size)
		if err != nil {
			return noChunk, err
		}
	}

	c := a.chunk(offset)
	memutils.WriteMagicValue(a.payload(offset), c.size-memutils.DebugMargin)
	if a.live != nil {
		a.live.Put(offset, true)
	}

	a.logger.Debug("HeapAllocator::Allocate",
		slog.Int("Requested", n),
		slog.Int("Offset", offset),
		slog.Int("Size", c.size),
	)
	memutils.DebugValidate((*chainValidator)(a))

	return offset, nil
}

// Deallocate returns memory obtained from Allocate to the heap. A nil pointer is ignored.
//
// Passing a pointer that did not come from this allocator, or one that was already freed, corrupts
// the heap unless the allocator was created with CreateValidatePointers, in which case an error is
// returned and nothing changes.
func (a *Allocator) Deallocate(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.live != nil {
		err := a.checkLive(ptr)
		if err != nil {
			return err
		}
	}

	offset := a.headerOffset(ptr)
	if a.live != nil {
		a.live.Put(offset, false)
	}

	survivor := a.releaseChunk(offset)

	a.logger.Debug("HeapAllocator::Deallocate",
		slog.Int("Offset", offset),
		slog.Int("FreeChunk", survivor),
		slog.Int("FreeSize", a.chunk(survivor).size),
	)
	memutils.DebugValidate((*chainValidator)(a))

	return nil
}

// DeallocateBytes frees a slice returned by AllocateBytes. Empty slices are ignored.
func (a *Allocator) DeallocateBytes(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return a.Deallocate(unsafe.Pointer(unsafe.SliceData(b)))
}

func (a *Allocator) checkLive(ptr unsafe.Pointer) error {
	if !a.inRegion(ptr) {
		return errors.Wrapf(memutils.ErrInvalidPointer, "%p is outside the heap", ptr)
	}

	live, known := a.live.Get(a.headerOffset(ptr))
	if !known {
		return errors.Wrapf(memutils.ErrInvalidPointer, "%p is not the start of an allocation", ptr)
	}
	if !live {
		return errors.Wrapf(memutils.ErrDoubleFree, "%p", ptr)
	}

	return nil
}

// Configure switches the search strategy. Switching always resets the heap, so every outstanding
// allocation is invalidated, even when the strategy does not change. An unknown strategy is
// rejected with an error wrapping memutils.ErrUnknownStrategy before anything is reset.
func (a *Allocator) Configure(strategy Strategy) error {
	if !strategy.IsValid() {
		return errors.Wrapf(memutils.ErrUnknownStrategy, "strategy %d", strategy)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.reset()
	if err != nil {
		return err
	}
	a.setStrategy(strategy)

	a.logger.Debug("HeapAllocator::Configure", slog.String("Strategy", strategy.String()))
	return nil
}

// Reset discards every chunk and moves the region break back to where it was when the allocator was
// created. Every outstanding allocation is invalidated.
func (a *Allocator) Reset() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.reset()
}

func (a *Allocator) reset() error {
	err := a.region.Reset(a.mark)
	if err != nil {
		return errors.Wrap(err, "failed to reset the heap region")
	}

	a.logger.Debug("HeapAllocator::Reset",
		slog.Int("Chunks", a.chunkCount),
		slog.Int("ReleasedBytes", a.end-a.mark),
	)

	a.clearChain()
	a.search.reset()
	if a.live != nil {
		a.live = swiss.NewMap[int, bool](64)
	}

	return nil
}

// Destroy resets the heap and releases the region. The allocator cannot be used afterwards.
func (a *Allocator) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.reset()
	if err != nil {
		return err
	}

	err = a.region.Release()
	if err != nil {
		a.logger.Error("HeapAllocator::Destroy", slog.Any("error", err))
		return errors.Wrap(err, "failed to release the heap region")
	}

	a.base = nil
	return nil
}

// Strategy returns the active search strategy
func (a *Allocator) Strategy() Strategy {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.strategy
}

// HeaderSize is the number of bytes of bookkeeping in front of every chunk
func (a *Allocator) HeaderSize() int {
	return a.headerSize
}

// Alignment is the allocation granularity. Every payload pointer and chunk size is a multiple of it.
func (a *Allocator) Alignment() uint {
	return a.alignment
}

// ChunkCount is the number of chunks in the chain, used or free
func (a *Allocator) ChunkCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.chunkCount
}

func (a *Allocator) FreeChunkCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.freeCount
}

func (a *Allocator) AllocationCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.allocCount
}

// SumFreeSize is the total payload capacity of all free chunks
func (a *Allocator) SumFreeSize() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.freeSize
}

// UsedSize is the total payload capacity of all chunks in use, including rounding and unsplit tails
func (a *Allocator) UsedSize() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.usedSize
}

// RegionSize is the number of bytes the heap occupies in its region, headers included
func (a *Allocator) RegionSize() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.end - a.mark
}

func (a *Allocator) IsEmpty() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.allocCount == 0
}

func (a *Allocator) Counters() Counters {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.counters
}
