//go:generate mockgen -destination ./mocks/region.go -package mock_brk . Region

// Package brk provides the region primitive that heap allocators grow into. A Region
// behaves like the classic program break: it has a fixed base address, a current break
// that only moves up through Grow, and can be wound back to an earlier mark with Reset.
//
// The base address of a Region never changes for its lifetime, so offsets handed out by
// Grow can be turned into stable pointers with unsafe.Add(region.Base(), offset).
package brk

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/rawalloc/memutils"
)

// PageSize is the granularity Reserved regions round their capacity up to
const PageSize = 4096

// ErrReleased is returned by every Region method that needs memory after Release has been called
var ErrReleased = errors.New("region has been released")

// Region is a contiguous span of memory with a movable break.
type Region interface {
	// Base returns the address of the first byte of the region. It is at least PageSize aligned.
	Base() unsafe.Pointer
	// Break returns the current break as an offset from Base
	Break() int
	// Cap returns the largest value the break may reach
	Cap() int
	// Grow moves the break up by n bytes and returns the previous break, like sbrk. It fails
	// with an error wrapping memutils.ErrOutOfMemory when the region cannot extend that far, in
	// which case the break is not moved.
	Grow(n int) (int, error)
	// Reset moves the break back down to mark, like brk. Memory above the mark must not be
	// assumed to be zero the next time it is grown into.
	Reset(mark int) error
	// Release returns the region's memory. The region cannot be used afterwards.
	Release() error
}

// breakState holds the bookkeeping shared by every Region implementation
type breakState struct {
	size     int
	capacity int
	released bool
}

func (s *breakState) Break() int { return s.size }
func (s *breakState) Cap() int   { return s.capacity }

func (s *breakState) grow(n int) (int, error) {
	if s.released {
		return 0, ErrReleased
	}
	if n < 0 {
		return 0, errors.Wrapf(memutils.ErrInvalidSize, "cannot grow region by %d bytes", n)
	}
	if n > s.capacity-s.size {
		return 0, errors.Wrapf(memutils.ErrOutOfMemory, "growing the break from %d by %d bytes would pass the region capacity of %d", s.size, n, s.capacity)
	}

	old := s.size
	s.size += n
	return old, nil
}

func (s *breakState) checkMark(mark int) error {
	if s.released {
		return ErrReleased
	}
	if mark < 0 || mark > s.size {
		return errors.Newf("cannot reset the break to %d: it must be between 0 and the current break %d", mark, s.size)
	}
	return nil
}
