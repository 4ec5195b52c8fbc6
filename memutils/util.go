package memutils

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
)

// WordSize is the size in bytes of a machine word. It is the default allocation granularity.
const WordSize = int(unsafe.Sizeof(uintptr(0)))

type Number interface {
	~int | ~uint
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// IsAligned reports whether the address is a multiple of alignment, which must be a power of two
func IsAligned(ptr unsafe.Pointer, alignment uint) bool {
	return uintptr(ptr)&uintptr(alignment-1) == 0
}
