package workload

import (
	"math/rand"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/rawalloc/heap"
	"github.com/vkngwrapper/rawalloc/memutils"
	"github.com/vkngwrapper/rawalloc/memutils/brk"
	"github.com/vkngwrapper/rawalloc/pool"
	"golang.org/x/exp/slog"
)

// OpCounts tallies what a run did to one allocator
type OpCounts struct {
	Allocations   int
	Frees         int
	OutOfMemory   int
	PeakLiveCount int
}

type HeapReport struct {
	Strategy   heap.Strategy
	HeaderSize int
	Ops        OpCounts
	Counters   heap.Counters
	Stats      memutils.DetailedStatistics
	Map        string
}

type PoolReport struct {
	SlotSize       int
	ChunksPerBlock int
	Ops            OpCounts
	Stats          memutils.DetailedStatistics
}

// Report is what Run returns. Statistics are taken before the allocators are torn down, with
// every allocation that was still live at the end of the run still held.
type Report struct {
	Seed       int64
	Operations int
	Heap       *HeapReport
	Pool       *PoolReport
}

// Run executes the workload against every enabled allocator
func Run(logger *slog.Logger, cfg Config) (*Report, error) {
	if logger == nil {
		logger = slog.Default()
	}

	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	report := &Report{
		Seed:       cfg.Run.Seed,
		Operations: cfg.Run.Operations,
	}

	if cfg.Heap.Enabled {
		report.Heap, err = runHeap(logger, cfg)
		if err != nil {
			return nil, errors.Wrap(err, "heap workload failed")
		}
	}

	if cfg.Pool.Enabled {
		report.Pool, err = runPool(logger, cfg)
		if err != nil {
			return nil, errors.Wrap(err, "pool workload failed")
		}
	}

	return report, nil
}

func newRegion(kind RegionKind, capacity int) (brk.Region, error) {
	switch kind {
	case RegionMapped:
		return brk.NewMapped(capacity)
	case RegionReserved:
		return brk.NewReserved(capacity)
	}

	return nil, errors.Newf("unknown region kind %q", kind)
}

// opStream yields the shared allocate-or-free decisions
type opStream struct {
	rng       *rand.Rand
	freeRatio float64
}

func (s *opStream) shouldFree(liveCount int) bool {
	return liveCount > 0 && s.rng.Float64() < s.freeRatio
}

func (s *opStream) pick(liveCount int) int {
	return s.rng.Intn(liveCount)
}

func runHeap(logger *slog.Logger, cfg Config) (report *HeapReport, err error) {
	strategy, err := heap.ParseStrategy(cfg.Heap.Strategy)
	if err != nil {
		return nil, err
	}

	region, err := newRegion(cfg.Heap.Region, cfg.Heap.Capacity)
	if err != nil {
		return nil, err
	}

	var flags heap.CreateFlags
	if cfg.Heap.ValidatePointers {
		flags |= heap.CreateValidatePointers
	}

	allocator, err := heap.New(logger, region, heap.CreateOptions{
		Flags:             flags,
		Strategy:          strategy,
		Alignment:         cfg.Heap.Alignment,
		MinAllocationSize: cfg.Heap.MinAllocationSize,
		SplitMinBytes:     cfg.Heap.SplitMinBytes,
	})
	if err != nil {
		_ = region.Release()
		return nil, err
	}
	defer func() {
		destroyErr := allocator.Destroy()
		if err == nil {
			err = destroyErr
		}
	}()

	ops := opStream{rng: rand.New(rand.NewSource(cfg.Run.Seed)), freeRatio: cfg.Run.FreeRatio}
	sizeRange := cfg.Heap.MaxSize - cfg.Heap.MinSize + 1

	var counts OpCounts
	var live []unsafe.Pointer
	for i := 0; i < cfg.Run.Operations; i++ {
		if ops.shouldFree(len(live)) {
			index := ops.pick(len(live))
			err = allocator.Deallocate(live[index])
			if err != nil {
				return nil, err
			}

			live[index] = live[len(live)-1]
			live = live[:len(live)-1]
			counts.Frees++
			continue
		}

		ptr, allocErr := allocator.Allocate(cfg.Heap.MinSize + ops.rng.Intn(sizeRange))
		if errors.Is(allocErr, memutils.ErrOutOfMemory) {
			counts.OutOfMemory++
			continue
		} else if allocErr != nil {
			return nil, allocErr
		}

		live = append(live, ptr)
		counts.Allocations++
		if len(live) > counts.PeakLiveCount {
			counts.PeakLiveCount = len(live)
		}
	}

	err = allocator.Validate()
	if err != nil {
		return nil, err
	}

	report = &HeapReport{
		Strategy:   allocator.Strategy(),
		HeaderSize: allocator.HeaderSize(),
		Ops:        counts,
		Counters:   allocator.Counters(),
		Map:        allocator.BuildStatsString(),
	}
	report.Stats.Clear()
	allocator.AddDetailedStatistics(&report.Stats)

	return report, nil
}

func runPool(logger *slog.Logger, cfg Config) (*PoolReport, error) {
	var flags pool.CreateFlags
	if cfg.Pool.ValidatePointers {
		flags |= pool.CreateValidatePointers
	}

	slots, err := pool.New(logger, pool.CreateOptions{
		Flags:          flags,
		SlotSize:       cfg.Pool.SlotSize,
		ChunksPerBlock: cfg.Pool.ChunksPerBlock,
		MaxBlocks:      cfg.Pool.MaxBlocks,
	})
	if err != nil {
		return nil, err
	}
	defer slots.Destroy()

	ops := opStream{rng: rand.New(rand.NewSource(cfg.Run.Seed)), freeRatio: cfg.Run.FreeRatio}

	var counts OpCounts
	var live []unsafe.Pointer
	for i := 0; i < cfg.Run.Operations; i++ {
		if ops.shouldFree(len(live)) {
			index := ops.pick(len(live))
			err = slots.Deallocate(live[index])
			if err != nil {
				return nil, err
			}

			live[index] = live[len(live)-1]
			live = live[:len(live)-1]
			counts.Frees++
			continue
		}

		ptr, allocErr := slots.Allocate()
		if errors.Is(allocErr, memutils.ErrOutOfMemory) {
			counts.OutOfMemory++
			continue
		} else if allocErr != nil {
			return nil, allocErr
		}

		live = append(live, ptr)
		counts.Allocations++
		if len(live) > counts.PeakLiveCount {
			counts.PeakLiveCount = len(live)
		}
	}

	err = slots.Validate()
	if err != nil {
		return nil, err
	}

	report := &PoolReport{
		SlotSize:       slots.SlotSize(),
		ChunksPerBlock: slots.ChunksPerBlock(),
		Ops:            counts,
	}
	report.Stats.Clear()
	slots.AddDetailedStatistics(&report.Stats)

	return report, nil
}

func writeOps(obj *jwriter.ObjectState, ops OpCounts) {
	opsObj := obj.Name("Operations").Object()
	defer opsObj.End()

	opsObj.Name("Allocations").Int(ops.Allocations)
	opsObj.Name("Frees").Int(ops.Frees)
	opsObj.Name("OutOfMemory").Int(ops.OutOfMemory)
	opsObj.Name("PeakLiveCount").Int(ops.PeakLiveCount)
}

func writeStats(obj *jwriter.ObjectState, stats memutils.DetailedStatistics) {
	statsObj := obj.Name("Statistics").Object()
	defer statsObj.End()

	statsObj.Name("BlockCount").Int(stats.BlockCount)
	statsObj.Name("BlockBytes").Int(stats.BlockBytes)
	statsObj.Name("AllocationCount").Int(stats.AllocationCount)
	statsObj.Name("AllocationBytes").Int(stats.AllocationBytes)
	statsObj.Name("FreeRangeCount").Int(stats.FreeRangeCount)
	statsObj.Name("FreeRangeBytes").Int(stats.FreeRangeBytes)
	if stats.AllocationCount > 0 {
		statsObj.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		statsObj.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.FreeRangeCount > 0 {
		statsObj.Name("FreeRangeSizeMin").Int(stats.FreeRangeSizeMin)
		statsObj.Name("FreeRangeSizeMax").Int(stats.FreeRangeSizeMax)
	}
}

// PrintJSON writes the report as a JSON object. The heap's chunk map is only included when
// detailed is set.
func (r *Report) PrintJSON(writer *jwriter.Writer, detailed bool) {
	objState := writer.Object()
	defer objState.End()

	objState.Name("Seed").Int(int(r.Seed))
	objState.Name("Operations").Int(r.Operations)

	if r.Heap != nil {
		heapObj := objState.Name("Heap").Object()
		heapObj.Name("Strategy").String(r.Heap.Strategy.String())
		heapObj.Name("HeaderSize").Int(r.Heap.HeaderSize)
		writeOps(&heapObj, r.Heap.Ops)

		countersObj := heapObj.Name("Counters").Object()
		countersObj.Name("Grows").Int(r.Heap.Counters.Grows)
		countersObj.Name("ScanSteps").Int(r.Heap.Counters.ScanSteps)
		countersObj.Name("Splits").Int(r.Heap.Counters.Splits)
		countersObj.Name("Coalesces").Int(r.Heap.Counters.Coalesces)
		countersObj.End()

		writeStats(&heapObj, r.Heap.Stats)
		if detailed {
			heapObj.Name("Map").Raw([]byte(r.Heap.Map))
		}
		heapObj.End()
	}

	if r.Pool != nil {
		poolObj := objState.Name("Pool").Object()
		poolObj.Name("SlotSize").Int(r.Pool.SlotSize)
		poolObj.Name("ChunksPerBlock").Int(r.Pool.ChunksPerBlock)
		writeOps(&poolObj, r.Pool.Ops)
		writeStats(&poolObj, r.Pool.Stats)
		poolObj.End()
	}
}

// JSON returns the output of PrintJSON
func (r *Report) JSON(detailed bool) []byte {
	writer := jwriter.NewWriter()
	r.PrintJSON(&writer, detailed)

	return writer.Bytes()
}
