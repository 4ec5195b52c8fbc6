package pool_test

import (
	"encoding/json"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/rawalloc/memutils"
	"github.com/vkngwrapper/rawalloc/pool"
	"golang.org/x/exp/slog"
)

func newTestPool(t testing.TB, options pool.CreateOptions) *pool.BlockPool {
	p, err := pool.New(slog.Default(), options)
	require.NoError(t, err)
	t.Cleanup(p.Destroy)

	return p
}

func allocateN(t testing.TB, p *pool.BlockPool, count int) []unsafe.Pointer {
	ptrs := make([]unsafe.Pointer, count)
	for i := range ptrs {
		var err error
		ptrs[i], err = p.Allocate()
		require.NoError(t, err)
		require.NotNil(t, ptrs[i])
	}

	return ptrs
}

func TestNewIsLazy(t *testing.T) {
	p := newTestPool(t, pool.CreateOptions{SlotSize: 32})

	require.Equal(t, 0, p.BlockCount())
	require.Equal(t, pool.DefaultChunksPerBlock, p.ChunksPerBlock())
	require.Equal(t, 32, p.SlotSize())
	require.NoError(t, p.Validate())

	var stats memutils.Statistics
	p.AddStatistics(&stats)
	require.Equal(t, memutils.Statistics{}, stats)
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := pool.New(slog.Default(), pool.CreateOptions{})
	require.ErrorIs(t, err, memutils.ErrInvalidSize)

	_, err = pool.New(slog.Default(), pool.CreateOptions{SlotSize: 8, ChunksPerBlock: -1})
	require.ErrorIs(t, err, memutils.ErrInvalidSize)

	_, err = pool.New(slog.Default(), pool.CreateOptions{SlotSize: 8, MaxBlocks: -1})
	require.ErrorIs(t, err, memutils.ErrInvalidSize)

	// Blocks whose byte size would not fit are refused up front
	_, err = pool.New(slog.Default(), pool.CreateOptions{SlotSize: pool.MaxBlockBytes + 1})
	require.ErrorIs(t, err, memutils.ErrInvalidSize)

	_, err = pool.New(slog.Default(), pool.CreateOptions{SlotSize: pool.MaxBlockBytes, ChunksPerBlock: 2})
	require.ErrorIs(t, err, memutils.ErrInvalidSize)

	_, err = pool.New(slog.Default(), pool.CreateOptions{SlotSize: 1 << 20, ChunksPerBlock: pool.MaxBlockBytes / (1 << 19)})
	require.ErrorIs(t, err, memutils.ErrInvalidSize)

	p, err := pool.New(slog.Default(), pool.CreateOptions{SlotSize: 1 << 20, ChunksPerBlock: pool.MaxBlockBytes / (1 << 20)})
	require.NoError(t, err)
	require.Equal(t, 0, p.BlockCount())
	p.Destroy()

	p, err = pool.New(nil, pool.CreateOptions{SlotSize: 3})
	require.NoError(t, err)
	require.Equal(t, memutils.WordSize, p.SlotSize())
}

func TestSequentialSlots(t *testing.T) {
	p := newTestPool(t, pool.CreateOptions{SlotSize: 16, ChunksPerBlock: 4})

	ptrs := allocateN(t, p, 4)
	for i, ptr := range ptrs {
		require.Equal(t, unsafe.Add(ptrs[0], i*16), ptr)
		require.True(t, memutils.IsAligned(ptr, uint(memutils.WordSize)))
	}
	require.Equal(t, 1, p.BlockCount())
	require.Equal(t, 4, p.AllocationCount())
	require.NoError(t, p.Validate())
}

func TestLIFOReuse(t *testing.T) {
	p := newTestPool(t, pool.CreateOptions{SlotSize: 16, ChunksPerBlock: 4})
	ptrs := allocateN(t, p, 4)

	require.NoError(t, p.Deallocate(ptrs[1]))
	require.Equal(t, 1, p.FreeListLength())

	ptr, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, ptrs[1], ptr)
	require.Equal(t, 1, p.BlockCount())
	require.Equal(t, 0, p.FreeListLength())

	require.NoError(t, p.Deallocate(ptrs[0]))
	require.NoError(t, p.Deallocate(ptrs[2]))
	require.NoError(t, p.Deallocate(ptrs[3]))
	require.NoError(t, p.Validate())

	for _, expected := range []unsafe.Pointer{ptrs[3], ptrs[2], ptrs[0]} {
		ptr, err := p.Allocate()
		require.NoError(t, err)
		require.Equal(t, expected, ptr)
	}
	require.Equal(t, 1, p.BlockCount())
	require.NoError(t, p.Validate())
}

func TestGrowth(t *testing.T) {
	p := newTestPool(t, pool.CreateOptions{SlotSize: 16, ChunksPerBlock: 4})

	ptrs := allocateN(t, p, 5)
	require.Equal(t, 2, p.BlockCount())
	require.Equal(t, 5, p.AllocationCount())

	seen := make(map[unsafe.Pointer]bool)
	for _, ptr := range ptrs {
		require.False(t, seen[ptr])
		seen[ptr] = true
	}

	// Slots released from the old block are preferred over the new block's unused slots
	require.NoError(t, p.Deallocate(ptrs[0]))
	ptr, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, ptrs[0], ptr)

	ptr, err = p.Allocate()
	require.NoError(t, err)
	require.Equal(t, unsafe.Add(ptrs[4], 16), ptr)
	require.NoError(t, p.Validate())
}

func TestMaxBlocks(t *testing.T) {
	p := newTestPool(t, pool.CreateOptions{SlotSize: 8, ChunksPerBlock: 2, MaxBlocks: 1})
	ptrs := allocateN(t, p, 2)

	ptr, err := p.Allocate()
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)
	require.Nil(t, ptr)
	require.Equal(t, 1, p.BlockCount())
	require.Equal(t, 2, p.AllocationCount())

	require.NoError(t, p.Deallocate(ptrs[1]))
	ptr, err = p.Allocate()
	require.NoError(t, err)
	require.Equal(t, ptrs[1], ptr)
	require.NoError(t, p.Validate())
}

func TestSlotContentsSurvive(t *testing.T) {
	p := newTestPool(t, pool.CreateOptions{SlotSize: 24, ChunksPerBlock: 8})

	ptrs := allocateN(t, p, 20)
	for i, ptr := range ptrs {
		values := (*[3]uint64)(ptr)
		values[0], values[1], values[2] = uint64(i), uint64(i*10), uint64(i*100)
	}

	for i := 0; i < len(ptrs); i += 3 {
		require.NoError(t, p.Deallocate(ptrs[i]))
	}
	for i := 0; i < len(ptrs); i += 3 {
		_, err := p.Allocate()
		require.NoError(t, err)
	}

	for i, ptr := range ptrs {
		if i%3 == 0 {
			continue
		}
		values := (*[3]uint64)(ptr)
		require.Equal(t, [3]uint64{uint64(i), uint64(i * 10), uint64(i * 100)}, *values)
	}
	require.NoError(t, p.Validate())
}

func TestValidatePointers(t *testing.T) {
	p := newTestPool(t, pool.CreateOptions{SlotSize: 16, ChunksPerBlock: 4, Flags: pool.CreateValidatePointers})
	ptrs := allocateN(t, p, 2)

	require.NoError(t, p.Deallocate(nil))
	require.NoError(t, p.Deallocate(ptrs[0]))
	require.ErrorIs(t, p.Deallocate(ptrs[0]), memutils.ErrDoubleFree)
	require.ErrorIs(t, p.Deallocate(unsafe.Add(ptrs[1], 8)), memutils.ErrInvalidPointer)

	var local [2]uint64
	require.ErrorIs(t, p.Deallocate(unsafe.Pointer(&local)), memutils.ErrInvalidPointer)

	// Never handed out, even though it belongs to the block
	require.ErrorIs(t, p.Deallocate(unsafe.Add(ptrs[1], 16)), memutils.ErrInvalidPointer)

	require.Equal(t, 1, p.AllocationCount())
	require.Equal(t, 1, p.FreeListLength())
	require.NoError(t, p.Validate())
}

func TestDestroy(t *testing.T) {
	p := newTestPool(t, pool.CreateOptions{SlotSize: 16, ChunksPerBlock: 4, Flags: pool.CreateValidatePointers})
	ptrs := allocateN(t, p, 6)
	require.NoError(t, p.Deallocate(ptrs[2]))

	p.Destroy()
	require.Equal(t, 0, p.BlockCount())
	require.Equal(t, 0, p.AllocationCount())
	require.Equal(t, 0, p.FreeListLength())
	require.NoError(t, p.Validate())

	_, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, 1, p.BlockCount())
	require.NoError(t, p.Validate())
}

func TestStatistics(t *testing.T) {
	p := newTestPool(t, pool.CreateOptions{SlotSize: 16, ChunksPerBlock: 4})
	ptrs := allocateN(t, p, 3)
	require.NoError(t, p.Deallocate(ptrs[0]))

	var stats memutils.DetailedStatistics
	stats.Clear()
	p.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			AllocationCount: 2,
			BlockBytes:      64,
			AllocationBytes: 32,
		},
		FreeRangeCount:    2,
		FreeRangeBytes:    32,
		AllocationSizeMin: 16,
		AllocationSizeMax: 16,
		FreeRangeSizeMin:  16,
		FreeRangeSizeMax:  16,
	}, stats)

	var summary memutils.Statistics
	p.AddStatistics(&summary)
	require.Equal(t, stats.Statistics, summary)
}

func TestBuildStatsString(t *testing.T) {
	p := newTestPool(t, pool.CreateOptions{SlotSize: 16, ChunksPerBlock: 4})
	ptrs := allocateN(t, p, 6)
	require.NoError(t, p.Deallocate(ptrs[5]))

	var dump struct {
		SlotSize       int
		ChunksPerBlock int
		Allocations    int
		FreeListLength int
		UnusedSlots    int
		Blocks         []struct {
			Id   int
			Size int
		}
	}
	require.NoError(t, json.Unmarshal([]byte(p.BuildStatsString()), &dump))

	require.Equal(t, 16, dump.SlotSize)
	require.Equal(t, 4, dump.ChunksPerBlock)
	require.Equal(t, 5, dump.Allocations)
	require.Equal(t, 1, dump.FreeListLength)
	require.Equal(t, 2, dump.UnusedSlots)
	require.Len(t, dump.Blocks, 2)
	require.Equal(t, 0, dump.Blocks[0].Id)
	require.Equal(t, 64, dump.Blocks[1].Size)
}

func TestSynchronized(t *testing.T) {
	p := newTestPool(t, pool.CreateOptions{SlotSize: 8, ChunksPerBlock: 16, Flags: pool.CreateSynchronized})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			for i := 0; i < 500; i++ {
				ptr, err := p.Allocate()
				if err != nil {
					errs <- err
					return
				}
				*(*int)(ptr) = worker

				err = p.Deallocate(ptr)
				if err != nil {
					errs <- err
					return
				}
			}
		}(worker)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 0, p.AllocationCount())
	require.NoError(t, p.Validate())
}

func BenchmarkAllocateFree(b *testing.B) {
	p := newTestPool(b, pool.CreateOptions{SlotSize: 64})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ptr, err := p.Allocate()
		if err != nil {
			b.Fatal(err)
		}
		err = p.Deallocate(ptr)
		if err != nil {
			b.Fatal(err)
		}
	}
}
