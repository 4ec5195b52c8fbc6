//go:build linux || darwin || freebsd || netbsd || openbsd

package brk

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/rawalloc/memutils"
	"golang.org/x/sys/unix"
)

// Mapped is a Region backed by an anonymous private memory mapping. The kernel only
// commits pages as the break grows into them, and Reset hands the pages above the mark
// back with madvise, so a large capacity costs address space rather than memory.
type Mapped struct {
	breakState
	mem      []byte
	pageSize int
}

var _ Region = &Mapped{}

// NewMapped maps capacity bytes, rounded up to the system page size, and returns a Region
// with its break at 0.
func NewMapped(capacity int) (*Mapped, error) {
	if capacity <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "region capacity must be positive, got %d", capacity)
	}

	pageSize := unix.Getpagesize()
	capacity = memutils.AlignUp(capacity, uint(pageSize))

	mem, err := unix.Mmap(-1, 0, capacity, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.WithSecondaryError(errors.Wrapf(memutils.ErrOutOfMemory, "failed to map %d bytes", capacity), err)
	}

	return &Mapped{
		breakState: breakState{capacity: capacity},
		mem:        mem,
		pageSize:   pageSize,
	}, nil
}

func (m *Mapped) Base() unsafe.Pointer {
	if m.released {
		return nil
	}
	return unsafe.Pointer(unsafe.SliceData(m.mem))
}

func (m *Mapped) Grow(n int) (int, error) {
	return m.grow(n)
}

func (m *Mapped) Reset(mark int) error {
	err := m.checkMark(mark)
	if err != nil {
		return err
	}

	// The partial page holding the mark stays committed, so scrub it by hand
	firstWholePage := memutils.AlignUp(mark, uint(m.pageSize))
	if firstWholePage > m.size {
		firstWholePage = m.size
	}
	partial := m.mem[mark:firstWholePage]
	for i := range partial {
		partial[i] = 0
	}

	if firstWholePage < m.size {
		err = unix.Madvise(m.mem[firstWholePage:memutils.AlignUp(m.size, uint(m.pageSize))], unix.MADV_DONTNEED)
		if err != nil {
			return errors.Wrapf(err, "failed to return pages above offset %d", firstWholePage)
		}
	}

	m.size = mark
	return nil
}

func (m *Mapped) Release() error {
	if m.released {
		return ErrReleased
	}

	err := unix.Munmap(m.mem)
	if err != nil {
		return errors.Wrap(err, "failed to unmap region")
	}

	m.mem = nil
	m.size = 0
	m.released = true
	return nil
}
