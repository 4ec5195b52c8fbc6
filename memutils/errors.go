package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrOutOfMemory is returned when the backing region or block source refuses to provide more memory.
	// It is a hard failure for the call that produced it: no allocation is made.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrInvalidSize is returned when an allocation or configuration size is negative or otherwise unusable
	ErrInvalidSize = errors.New("invalid size")

	// ErrUnknownStrategy is returned when a search strategy outside the supported set is requested
	ErrUnknownStrategy = errors.New("unknown search strategy")

	// ErrInvalidPointer is returned by allocators built with pointer validation when a pointer
	// that was never handed out by the allocator is freed
	ErrInvalidPointer = errors.New("pointer was not allocated by this allocator")

	// ErrDoubleFree is returned by allocators built with pointer validation when a pointer
	// is freed a second time
	ErrDoubleFree = errors.New("pointer was already freed")

	// ErrPointerType is returned when a typed wrapper is asked to store a type containing Go pointers
	// in memory the garbage collector does not scan
	ErrPointerType = errors.New("type contains Go pointers")
)
