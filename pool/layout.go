package pool

import (
	"unsafe"
)

// linkSize is the room a free slot needs for its free list link
const linkSize = uint(unsafe.Sizeof(unsafe.Pointer(nil)))

// block is one contiguous run of slots. The slot memory is typed as words so that it is word
// aligned and is not scanned by the garbage collector: caller data in live slots is opaque, and
// the free list links stored in free slots only ever point back into blocks the pool keeps alive.
type block struct {
	words []uintptr
	base  unsafe.Pointer
	size  int
	prev  *block
	id    int
}

func newBlock(id int, slotSize int, slotCount int, prev *block) *block {
	size := slotSize * slotCount
	words := make([]uintptr, size/int(linkSize))

	return &block{
		words: words,
		base:  unsafe.Pointer(unsafe.SliceData(words)),
		size:  size,
		prev:  prev,
		id:    id,
	}
}

func (b *block) slot(index int, slotSize int) unsafe.Pointer {
	return unsafe.Add(b.base, index*slotSize)
}

// owns reports whether ptr is the start of one of the block's slots
func (b *block) owns(ptr unsafe.Pointer, slotSize int) bool {
	offset := uintptr(ptr) - uintptr(b.base)
	return uintptr(ptr) >= uintptr(b.base) && offset < uintptr(b.size) && offset%uintptr(slotSize) == 0
}

func loadLink(slot unsafe.Pointer) unsafe.Pointer {
	return *(*unsafe.Pointer)(slot)
}

func storeLink(slot unsafe.Pointer, next unsafe.Pointer) {
	*(*unsafe.Pointer)(slot) = next
}
