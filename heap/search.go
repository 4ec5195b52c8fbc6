package heap

// searchStrategy finds a free chunk for a request. The allocator calls the hooks whenever a chunk
// enters or leaves the free state, or disappears in a merge, so strategies that keep extra
// bookkeeping can follow along. Every find gives up after visiting as many chunks as the chain
// holds, so a pass never revisits a chunk.
type searchStrategy interface {
	find(a *Allocator, size int) int

	chunkFreed(a *Allocator, offset int)
	chunkTaken(a *Allocator, offset int)
	chunkAbsorbed(a *Allocator, absorbed, survivor int)
	reset()
}

func newSearchStrategy(strategy Strategy) searchStrategy {
	switch strategy {
	case StrategyFirstFit:
		return &firstFitSearch{}
	case StrategyNextFit:
		return &nextFitSearch{lastFound: noChunk}
	case StrategyFreeList:
		return &freeListSearch{head: noChunk}
	}

	panic("unknown search strategy: " + strategy.String())
}

type firstFitSearch struct{}

func (s *firstFitSearch) find(a *Allocator, size int) int {
	offset := a.head
	for visited := 0; visited < a.chunkCount; visited++ {
		a.counters.ScanSteps++

		c := a.chunk(offset)
		if c.IsFree() && c.size >= size {
			return offset
		}
		offset = c.next
	}

	return noChunk
}

func (s *firstFitSearch) chunkFreed(a *Allocator, offset int)                {}
func (s *firstFitSearch) chunkTaken(a *Allocator, offset int)                {}
func (s *firstFitSearch) chunkAbsorbed(a *Allocator, absorbed, survivor int) {}
func (s *firstFitSearch) reset()                                             {}

type nextFitSearch struct {
	// lastFound is the chunk the previous successful find returned, or noChunk
	lastFound int
}

func (s *nextFitSearch) find(a *Allocator, size int) int {
	if a.chunkCount == 0 {
		return noChunk
	}

	offset := a.head
	if s.lastFound != noChunk {
		offset = a.chunk(s.lastFound).next
	}

	for visited := 0; visited < a.chunkCount; visited++ {
		if offset == noChunk {
			offset = a.head
		}
		a.counters.ScanSteps++

		c := a.chunk(offset)
		if c.IsFree() && c.size >= size {
			s.lastFound = offset
			return offset
		}
		offset = c.next
	}

	return noChunk
}

func (s *nextFitSearch) chunkFreed(a *Allocator, offset int) {}
func (s *nextFitSearch) chunkTaken(a *Allocator, offset int) {}

func (s *nextFitSearch) chunkAbsorbed(a *Allocator, absorbed, survivor int) {
	if s.lastFound == absorbed {
		s.lastFound = survivor
	}
}

func (s *nextFitSearch) reset() {
	s.lastFound = noChunk
}

// freeListSearch threads free chunks through their prevFree/nextFree fields. Newly freed chunks
// go to the head, so find prefers memory that was released most recently.
type freeListSearch struct {
	head int
}

func (s *freeListSearch) find(a *Allocator, size int) int {
	offset := s.head
	for visited := 0; visited < a.chunkCount && offset != noChunk; visited++ {
		a.counters.ScanSteps++

		c := a.chunk(offset)
		if c.size >= size {
			return offset
		}
		offset = c.nextFree
	}

	return noChunk
}

func (s *freeListSearch) chunkFreed(a *Allocator, offset int) {
	c := a.chunk(offset)
	c.prevFree = noChunk
	c.nextFree = s.head
	if s.head != noChunk {
		a.chunk(s.head).prevFree = offset
	}
	s.head = offset
}

func (s *freeListSearch) chunkTaken(a *Allocator, offset int) {
	c := a.chunk(offset)
	if c.nextFree != noChunk {
		a.chunk(c.nextFree).prevFree = c.prevFree
	}
	if c.prevFree != noChunk {
		a.chunk(c.prevFree).nextFree = c.nextFree
	} else {
		if s.head != offset {
			panic("chunk at the head of the free list is not the free list head")
		}
		s.head = c.nextFree
	}

	c.prevFree = noChunk
	c.nextFree = noChunk
}

// Both sides of a merge are free and listed. The survivor keeps its place in the list.
func (s *freeListSearch) chunkAbsorbed(a *Allocator, absorbed, survivor int) {
	s.chunkTaken(a, absorbed)
}

func (s *freeListSearch) reset() {
	s.head = noChunk
}
