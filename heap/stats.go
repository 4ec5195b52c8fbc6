package heap

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/rawalloc/memutils"
)

// AddStatistics adds the heap's totals to stats. The whole heap counts as one block whose size
// is the heap's span of the region, headers included.
func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats.BlockCount++
	stats.BlockBytes += a.end - a.mark
	stats.AllocationCount += a.allocCount
	stats.AllocationBytes += a.usedSize
}

// AddDetailedStatistics adds the heap's totals and the size of every chunk to stats
func (a *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats.BlockCount++
	stats.BlockBytes += a.end - a.mark

	for offset := a.head; offset != noChunk; offset = a.chunk(offset).next {
		c := a.chunk(offset)
		if c.IsFree() {
			stats.AddFreeRange(c.size)
		} else {
			stats.AddAllocation(c.size)
		}
	}
}

// VisitAllChunks calls handleChunk for every chunk in address order with the chunk's offset in
// the region and its payload size. Iteration stops at the first error, which is returned.
// handleChunk must not allocate from or free to the heap.
func (a *Allocator) VisitAllChunks(handleChunk func(offset int, size int, free bool) error) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for offset := a.head; offset != noChunk; offset = a.chunk(offset).next {
		c := a.chunk(offset)
		err := handleChunk(offset, c.size, c.IsFree())
		if err != nil {
			return err
		}
	}

	return nil
}

// PrintDetailedMap writes a JSON object describing the heap and each of its chunks
func (a *Allocator) PrintDetailedMap(writer *jwriter.Writer) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	a.AddDetailedStatistics(&stats)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	objState := writer.Object()
	defer objState.End()

	objState.Name("Strategy").String(a.strategy.String())
	objState.Name("HeaderSize").Int(a.headerSize)
	objState.Name("TotalBytes").Int(stats.BlockBytes)
	objState.Name("UsedBytes").Int(stats.AllocationBytes)
	objState.Name("FreeBytes").Int(stats.FreeRangeBytes)
	objState.Name("Allocations").Int(stats.AllocationCount)
	objState.Name("FreeRanges").Int(stats.FreeRangeCount)

	countersObj := objState.Name("Counters").Object()
	countersObj.Name("Grows").Int(a.counters.Grows)
	countersObj.Name("ScanSteps").Int(a.counters.ScanSteps)
	countersObj.Name("Splits").Int(a.counters.Splits)
	countersObj.Name("Coalesces").Int(a.counters.Coalesces)
	countersObj.End()

	arrayState := objState.Name("Chunks").Array()
	defer arrayState.End()

	for offset := a.head; offset != noChunk; offset = a.chunk(offset).next {
		c := a.chunk(offset)

		obj := arrayState.Object()
		obj.Name("Offset").Int(offset)
		obj.Name("Size").Int(c.size)
		obj.Name("Free").Bool(c.IsFree())
		obj.End()
	}
}

// BuildStatsString returns the output of PrintDetailedMap as a string
func (a *Allocator) BuildStatsString() string {
	writer := jwriter.NewWriter()
	a.PrintDetailedMap(&writer)

	return string(writer.Bytes())
}
