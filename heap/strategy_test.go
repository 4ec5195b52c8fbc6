package heap_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/rawalloc/heap"
	"github.com/vkngwrapper/rawalloc/memutils"
)

func TestParseStrategy(t *testing.T) {
	for _, strategy := range allStrategies {
		parsed, err := heap.ParseStrategy(strategy.String())
		require.NoError(t, err)
		require.Equal(t, strategy, parsed)
	}

	parsed, err := heap.ParseStrategy(" Next-Fit ")
	require.NoError(t, err)
	require.Equal(t, heap.StrategyNextFit, parsed)

	_, err = heap.ParseStrategy("best_fit")
	require.ErrorIs(t, err, memutils.ErrUnknownStrategy)

	require.Equal(t, "unknown", heap.Strategy(99).String())
	require.False(t, heap.Strategy(99).IsValid())
}

// makeHoles leaves count free chunks of size bytes in the heap, each followed by a used guard
// chunk so that none of them can merge
func makeHoles(t *testing.T, allocator *heap.Allocator, count int, size int) []unsafe.Pointer {
	holes := make([]unsafe.Pointer, count)
	for i := range holes {
		var err error
		holes[i], err = allocator.Allocate(size)
		require.NoError(t, err)
		_, err = allocator.Allocate(size)
		require.NoError(t, err)
	}

	for _, hole := range holes {
		require.NoError(t, allocator.Deallocate(hole))
	}
	require.Equal(t, count, allocator.FreeChunkCount())
	require.Equal(t, 2*count, allocator.ChunkCount())

	return holes
}

func TestSearchSteps(t *testing.T) {
	const holeCount = 200

	testCases := map[heap.Strategy]int{
		// Every search restarts at the head and walks over the holes it already filled
		heap.StrategyFirstFit: holeCount * holeCount,
		// Every search resumes right after the previous one and only skips a single guard
		heap.StrategyNextFit: 2*holeCount - 1,
		// Every search is satisfied by the head of the free list
		heap.StrategyFreeList: holeCount,
	}

	for strategy, expectedSteps := range testCases {
		t.Run(strategy.String(), func(t *testing.T) {
			allocator, _ := newTestHeap(t, heap.CreateOptions{Strategy: strategy})
			holes := makeHoles(t, allocator, holeCount, 64)

			before := allocator.Counters()
			for range holes {
				_, err := allocator.Allocate(64)
				require.NoError(t, err)
			}
			after := allocator.Counters()

			require.Equal(t, expectedSteps, after.ScanSteps-before.ScanSteps)
			require.Equal(t, before.Grows, after.Grows)
			require.Equal(t, 0, allocator.FreeChunkCount())
			require.NoError(t, allocator.Validate())
		})
	}
}

func TestFirstFitPrefersLowestAddress(t *testing.T) {
	allocator, _ := newTestHeap(t, heap.CreateOptions{Strategy: heap.StrategyFirstFit})
	holes := makeHoles(t, allocator, 4, 64)

	for _, hole := range holes {
		ptr, err := allocator.Allocate(64)
		require.NoError(t, err)
		require.Equal(t, hole, ptr)
	}
}

func TestFreeListIsLastInFirstOut(t *testing.T) {
	allocator, _ := newTestHeap(t, heap.CreateOptions{Strategy: heap.StrategyFreeList})
	holes := makeHoles(t, allocator, 4, 64)

	for i := len(holes) - 1; i >= 0; i-- {
		ptr, err := allocator.Allocate(64)
		require.NoError(t, err)
		require.Equal(t, holes[i], ptr)
		require.NoError(t, allocator.Validate())
	}
}

func TestFreeListSkipsSmallChunks(t *testing.T) {
	allocator, _ := newTestHeap(t, heap.CreateOptions{Strategy: heap.StrategyFreeList})

	large, err := allocator.Allocate(256)
	require.NoError(t, err)
	_, err = allocator.Allocate(8)
	require.NoError(t, err)
	small, err := allocator.Allocate(32)
	require.NoError(t, err)
	_, err = allocator.Allocate(8)
	require.NoError(t, err)

	require.NoError(t, allocator.Deallocate(large))
	require.NoError(t, allocator.Deallocate(small))

	// small is at the head of the list but cannot hold the request
	ptr, err := allocator.Allocate(200)
	require.NoError(t, err)
	require.Equal(t, large, ptr)
	require.Equal(t, 1, allocator.FreeChunkCount())
	require.NoError(t, allocator.Validate())
}

func TestNextFitWrapsAround(t *testing.T) {
	allocator, _ := newTestHeap(t, heap.CreateOptions{Strategy: heap.StrategyNextFit})
	holes := makeHoles(t, allocator, 3, 64)

	for _, hole := range holes {
		ptr, err := allocator.Allocate(64)
		require.NoError(t, err)
		require.Equal(t, hole, ptr)
	}

	// The cursor now sits on the last hole, so the next search has to wrap to find the first
	require.NoError(t, allocator.Deallocate(holes[0]))
	ptr, err := allocator.Allocate(64)
	require.NoError(t, err)
	require.Equal(t, holes[0], ptr)
	require.NoError(t, allocator.Validate())

	// Nothing fits anywhere, so a full pass ends in growth
	before := allocator.Counters()
	_, err = allocator.Allocate(64)
	require.NoError(t, err)
	after := allocator.Counters()
	require.Equal(t, before.Grows+1, after.Grows)
	require.Equal(t, 6, after.ScanSteps-before.ScanSteps)
}

func TestNextFitCursorSurvivesMerge(t *testing.T) {
	allocator, _ := newTestHeap(t, heap.CreateOptions{Strategy: heap.StrategyNextFit})

	a, err := allocator.Allocate(64)
	require.NoError(t, err)
	b, err := allocator.Allocate(64)
	require.NoError(t, err)
	_, err = allocator.Allocate(64)
	require.NoError(t, err)

	require.NoError(t, allocator.Deallocate(b))
	found, err := allocator.Allocate(64)
	require.NoError(t, err)
	require.Equal(t, b, found)

	// The cursor chunk is freed and swallowed by its free predecessor
	require.NoError(t, allocator.Deallocate(a))
	require.NoError(t, allocator.Deallocate(b))
	require.NoError(t, allocator.Validate())

	ptr, err := allocator.Allocate(64)
	require.NoError(t, err)
	require.NoError(t, allocator.Validate())
	require.NotNil(t, ptr)
}

func BenchmarkAllocateFree(b *testing.B) {
	for _, strategy := range allStrategies {
		b.Run(strategy.String(), func(b *testing.B) {
			allocator, _ := newTestHeap(b, heap.CreateOptions{Strategy: strategy})

			ptrs := make([]unsafe.Pointer, 256)
			for i := range ptrs {
				var err error
				ptrs[i], err = allocator.Allocate(16 + i%7*24)
				require.NoError(b, err)
			}
			for i := 0; i < len(ptrs); i += 2 {
				require.NoError(b, allocator.Deallocate(ptrs[i]))
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				ptr, err := allocator.Allocate(16 + i%7*24)
				if err != nil {
					b.Fatal(err)
				}
				err = allocator.Deallocate(ptr)
				if err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
