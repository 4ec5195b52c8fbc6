package pool

import (
	"reflect"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/rawalloc/memutils"
	"golang.org/x/exp/slog"
)

// TypedPool is a BlockPool sized for values of T. T must not contain Go pointers, because slot
// memory is invisible to the garbage collector.
type TypedPool[T any] struct {
	pool *BlockPool
}

// NewTypedPool creates a pool whose slots hold one T each. options.SlotSize is ignored. It fails with
// an error wrapping memutils.ErrPointerType if T contains pointers, slices, strings, maps, channels,
// funcs or interfaces.
func NewTypedPool[T any](logger *slog.Logger, options CreateOptions) (*TypedPool[T], error) {
	var zero T
	valueType := reflect.TypeOf(&zero).Elem()
	if containsPointers(valueType) {
		return nil, errors.Wrapf(memutils.ErrPointerType, "%s cannot be stored in a pool", valueType)
	}

	options.SlotSize = int(unsafe.Sizeof(zero))
	if options.SlotSize == 0 {
		options.SlotSize = 1
	}

	pool, err := New(logger, options)
	if err != nil {
		return nil, err
	}

	return &TypedPool[T]{pool: pool}, nil
}

func containsPointers(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Array:
		return t.Len() > 0 && containsPointers(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if containsPointers(t.Field(i).Type) {
				return true
			}
		}
		return false
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return false
	}

	return true
}

// New returns a zeroed T from the pool
func (p *TypedPool[T]) New() (*T, error) {
	ptr, err := p.pool.Allocate()
	if err != nil {
		return nil, err
	}

	value := (*T)(ptr)
	var zero T
	*value = zero
	return value, nil
}

// Delete returns a value obtained from New to the pool. A nil pointer is ignored.
func (p *TypedPool[T]) Delete(value *T) error {
	return p.pool.Deallocate(unsafe.Pointer(value))
}

// Pool returns the underlying BlockPool, for statistics and validation
func (p *TypedPool[T]) Pool() *BlockPool {
	return p.pool
}

func (p *TypedPool[T]) Destroy() {
	p.pool.Destroy()
}
