package brk

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/rawalloc/memutils"
)

// Reserved is a Region backed by a single Go byte slice allocated up front. Growth
// never moves memory; it only advances the break inside the reservation.
type Reserved struct {
	breakState
	buf []byte
}

var _ Region = &Reserved{}

// NewReserved reserves capacity bytes, rounded up to PageSize, and returns a Region with
// its break at 0.
func NewReserved(capacity int) (*Reserved, error) {
	if capacity <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "region capacity must be positive, got %d", capacity)
	}
	capacity = memutils.AlignUp(capacity, PageSize)

	// Over-allocate by a page so the base can be moved up to a page boundary
	buf := make([]byte, capacity+PageSize)
	pad := int((PageSize - uintptr(unsafe.Pointer(unsafe.SliceData(buf)))%PageSize) % PageSize)

	return &Reserved{
		breakState: breakState{capacity: capacity},
		buf:        buf[pad : pad+capacity : pad+capacity],
	}, nil
}

func (r *Reserved) Base() unsafe.Pointer {
	if r.released {
		return nil
	}
	return unsafe.Pointer(unsafe.SliceData(r.buf))
}

func (r *Reserved) Grow(n int) (int, error) {
	return r.grow(n)
}

func (r *Reserved) Reset(mark int) error {
	err := r.checkMark(mark)
	if err != nil {
		return err
	}

	stale := r.buf[mark:r.size]
	for i := range stale {
		stale[i] = 0
	}
	r.size = mark
	return nil
}

func (r *Reserved) Release() error {
	if r.released {
		return ErrReleased
	}
	r.buf = nil
	r.size = 0
	r.released = true
	return nil
}
