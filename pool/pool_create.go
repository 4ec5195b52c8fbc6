package pool

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/rawalloc/memutils"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific pool behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = memutils.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateSynchronized guards every public method with a mutex so the pool can be shared between
	// goroutines
	CreateSynchronized CreateFlags = 1 << iota
	// CreateValidatePointers makes Deallocate reject pointers that are not live slots of this pool.
	// Foreign pointers fail with memutils.ErrInvalidPointer and slots that are already free fail with
	// memutils.ErrDoubleFree.
	CreateValidatePointers
)

func init() {
	CreateSynchronized.Register("CreateSynchronized")
	CreateValidatePointers.Register("CreateValidatePointers")
}

// DefaultChunksPerBlock is the number of slots in each block when CreateOptions.ChunksPerBlock is 0
const DefaultChunksPerBlock int = 1024

// MaxBlockBytes is the largest block a pool will reserve. New rejects slot sizes and block
// lengths that would need more.
const MaxBlockBytes int = math.MaxInt32

// CreateOptions contains the settings for a new BlockPool. SlotSize is required, the rest may be
// left blank.
type CreateOptions struct {
	// Flags indicates specific pool behaviors to activate or deactivate
	Flags CreateFlags
	// SlotSize is the number of bytes in each slot. It is rounded up to a multiple of the machine
	// word size, since a free slot holds the free list link.
	SlotSize int
	// ChunksPerBlock is the number of slots reserved each time the pool runs dry
	ChunksPerBlock int
	// MaxBlocks caps the number of blocks the pool may create. Allocations that would need another
	// block fail with memutils.ErrOutOfMemory. 0 means no limit.
	MaxBlocks int
}

// New creates an empty pool. No slot memory is reserved until the first Allocate.
//
// logger - The logger that debug information will be written to. slog.Default() is used if nil.
//
// options - The slot size and optional parameters for the pool
func New(logger *slog.Logger, options CreateOptions) (*BlockPool, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if options.SlotSize <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "CreateOptions.SlotSize is %d", options.SlotSize)
	}
	if options.ChunksPerBlock < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "CreateOptions.ChunksPerBlock is %d", options.ChunksPerBlock)
	}
	if options.MaxBlocks < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "CreateOptions.MaxBlocks is %d", options.MaxBlocks)
	}

	chunksPerBlock := options.ChunksPerBlock
	if chunksPerBlock == 0 {
		chunksPerBlock = DefaultChunksPerBlock
	}

	if options.SlotSize > MaxBlockBytes {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "CreateOptions.SlotSize is %d, but blocks hold at most %d bytes", options.SlotSize, MaxBlockBytes)
	}
	slotSize := memutils.AlignUp(options.SlotSize, linkSize)
	if chunksPerBlock > MaxBlockBytes/slotSize {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "%d slots of %d bytes do not fit in a block of at most %d bytes", chunksPerBlock, slotSize, MaxBlockBytes)
	}

	pool := &BlockPool{
		logger:         logger,
		createFlags:    options.Flags,
		slotSize:       slotSize,
		chunksPerBlock: chunksPerBlock,
		maxBlocks:      options.MaxBlocks,
	}
	pool.mutex.UseMutex = options.Flags&CreateSynchronized != 0
	if options.Flags&CreateValidatePointers != 0 {
		pool.live = swiss.NewMap[uintptr, bool](uint32(chunksPerBlock))
	}

	logger.Debug("BlockPool::New",
		slog.Int("SlotSize", pool.slotSize),
		slog.Int("ChunksPerBlock", chunksPerBlock),
		slog.Int("MaxBlocks", options.MaxBlocks),
		slog.String("Flags", options.Flags.String()),
	)

	return pool, nil
}
