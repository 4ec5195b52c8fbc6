package heap

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/rawalloc/memutils"
	"github.com/vkngwrapper/rawalloc/memutils/brk"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = memutils.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateSynchronized guards every public method with a mutex so the allocator can be shared
	// between goroutines. Without it the consumer must make sure only one goroutine uses the
	// allocator at a time.
	CreateSynchronized CreateFlags = 1 << iota
	// CreateValidatePointers makes Deallocate check that the pointer it receives is a live allocation
	// from this allocator. Unknown pointers fail with memutils.ErrInvalidPointer and pointers that were
	// already freed fail with memutils.ErrDoubleFree. Without it, passing such a pointer corrupts the heap.
	CreateValidatePointers
)

func init() {
	CreateSynchronized.Register("CreateSynchronized")
	CreateValidatePointers.Register("CreateValidatePointers")
}

const (
	// DefaultAlignment is the allocation granularity used when CreateOptions.Alignment is 0
	DefaultAlignment uint = uint(memutils.WordSize)
	// DefaultSplitMinBytes is the smallest remainder worth splitting off a free chunk into a chunk
	// of its own, used when CreateOptions.SplitMinBytes is 0
	DefaultSplitMinBytes int = 16
	// DefaultMinAllocationSize is a suggested floor for CreateOptions.MinAllocationSize. Rounding
	// small requests up to it trades memory for fewer, larger chunks and less splitting.
	DefaultMinAllocationSize int = 256
)

// CreateOptions contains optional settings when creating an allocator. It is valid to leave all
// the fields blank.
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// Strategy is the search strategy the allocator starts with. It can be changed later
	// with Configure.
	Strategy Strategy

	// Alignment is the granularity of every chunk and so the alignment of every returned pointer.
	// It must be a power of two. Leaving it at 0 uses DefaultAlignment, and values below the
	// machine word size are raised to it.
	Alignment uint
	// MinAllocationSize raises every request below it to this size. 0 disables the floor.
	MinAllocationSize int
	// SplitMinBytes is the smallest free remainder that is split off a chunk being handed out.
	// Remainders smaller than this stay attached to the allocation. 0 uses DefaultSplitMinBytes.
	SplitMinBytes int
}

// New creates an allocator that grows into the provided region, starting at the region's
// current break. The region's memory below that break is never touched, and Reset returns
// the break to it.
//
// logger - The logger that debug information will be written to. slog.Default() is used if nil.
//
// region - The memory the allocator places its chunks in. The allocator takes ownership of the
// region's break: nothing else may grow or reset it while the allocator is in use.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, region brk.Region, options CreateOptions) (*Allocator, error) {
	if region == nil {
		return nil, errors.New("heap allocator requires a region")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if !options.Strategy.IsValid() {
		return nil, errors.Wrapf(memutils.ErrUnknownStrategy, "strategy %d", options.Strategy)
	}

	alignment := options.Alignment
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	err := memutils.CheckPow2(alignment, "CreateOptions.Alignment")
	if err != nil {
		return nil, err
	}
	if alignment < uint(memutils.WordSize) {
		alignment = uint(memutils.WordSize)
	}

	splitMin := options.SplitMinBytes
	if splitMin == 0 {
		splitMin = DefaultSplitMinBytes
	}
	if splitMin < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "CreateOptions.SplitMinBytes is %d", options.SplitMinBytes)
	}
	if options.MinAllocationSize < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "CreateOptions.MinAllocationSize is %d", options.MinAllocationSize)
	}

	base := region.Base()
	if base == nil {
		return nil, errors.New("heap allocator received a region with no memory")
	}
	mark := region.Break()
	if !memutils.IsAligned(unsafe.Add(base, mark), alignment) {
		return nil, errors.Newf("the region break at offset %d is not aligned to %d", mark, alignment)
	}

	allocator := &Allocator{
		logger:      logger,
		region:      region,
		base:        base,
		mark:        mark,
		createFlags: options.Flags,

		alignment:    alignment,
		headerSize:   memutils.AlignUp(rawHeaderSize, alignment),
		minAllocSize: options.MinAllocationSize,
		splitMin:     splitMin,
	}
	allocator.mutex.UseMutex = options.Flags&CreateSynchronized != 0
	if options.Flags&CreateValidatePointers != 0 {
		allocator.live = swiss.NewMap[int, bool](64)
	}

	allocator.clearChain()
	allocator.setStrategy(options.Strategy)

	logger.Debug("HeapAllocator::New",
		slog.String("Strategy", options.Strategy.String()),
		slog.String("Flags", options.Flags.String()),
		slog.Int("Alignment", int(alignment)),
		slog.Int("HeaderSize", allocator.headerSize),
		slog.Int("Mark", mark),
	)

	return allocator, nil
}
