package brk_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/rawalloc/memutils"
	"github.com/vkngwrapper/rawalloc/memutils/brk"
)

func newRegions(t *testing.T, capacity int) map[string]brk.Region {
	reserved, err := brk.NewReserved(capacity)
	require.NoError(t, err)
	mapped, err := brk.NewMapped(capacity)
	require.NoError(t, err)

	return map[string]brk.Region{
		"Reserved": reserved,
		"Mapped":   mapped,
	}
}

func TestRegionGrow(t *testing.T) {
	for name, region := range newRegions(t, 3*brk.PageSize) {
		t.Run(name, func(t *testing.T) {
			defer func() {
				require.NoError(t, region.Release())
			}()

			require.NotNil(t, region.Base())
			require.True(t, memutils.IsAligned(region.Base(), brk.PageSize))
			require.Equal(t, 0, region.Break())
			require.GreaterOrEqual(t, region.Cap(), 3*brk.PageSize)

			old, err := region.Grow(100)
			require.NoError(t, err)
			require.Equal(t, 0, old)

			old, err = region.Grow(28)
			require.NoError(t, err)
			require.Equal(t, 100, old)
			require.Equal(t, 128, region.Break())

			data := unsafe.Slice((*byte)(region.Base()), region.Break())
			for i := range data {
				data[i] = 0xAB
			}

			_, err = region.Grow(-1)
			require.ErrorIs(t, err, memutils.ErrInvalidSize)

			_, err = region.Grow(region.Cap())
			require.ErrorIs(t, err, memutils.ErrOutOfMemory)
			require.Equal(t, 128, region.Break())

			old, err = region.Grow(region.Cap() - 128)
			require.NoError(t, err)
			require.Equal(t, 128, old)
			require.Equal(t, region.Cap(), region.Break())
		})
	}
}

func TestRegionReset(t *testing.T) {
	for name, region := range newRegions(t, 4*brk.PageSize) {
		t.Run(name, func(t *testing.T) {
			defer func() {
				require.NoError(t, region.Release())
			}()

			_, err := region.Grow(3*brk.PageSize + 10)
			require.NoError(t, err)
			data := unsafe.Slice((*byte)(region.Base()), region.Break())
			for i := range data {
				data[i] = 0xCD
			}

			require.Error(t, region.Reset(-1))
			require.Error(t, region.Reset(region.Break()+1))

			require.NoError(t, region.Reset(50))
			require.Equal(t, 50, region.Break())
			require.Equal(t, byte(0xCD), data[49])

			_, err = region.Grow(3 * brk.PageSize)
			require.NoError(t, err)
			data = unsafe.Slice((*byte)(region.Base()), region.Break())
			for i := 50; i < region.Break(); i++ {
				require.Equal(t, byte(0), data[i], "byte %d", i)
			}

			require.NoError(t, region.Reset(0))
			require.Equal(t, 0, region.Break())
		})
	}
}

func TestRegionRelease(t *testing.T) {
	for name, region := range newRegions(t, brk.PageSize) {
		t.Run(name, func(t *testing.T) {
			_, err := region.Grow(10)
			require.NoError(t, err)

			require.NoError(t, region.Release())
			require.Nil(t, region.Base())
			require.Equal(t, 0, region.Break())

			require.ErrorIs(t, region.Release(), brk.ErrReleased)
			_, err = region.Grow(1)
			require.ErrorIs(t, err, brk.ErrReleased)
			require.ErrorIs(t, region.Reset(0), brk.ErrReleased)
		})
	}
}

func TestNewRegionRejectsBadCapacity(t *testing.T) {
	_, err := brk.NewReserved(0)
	require.ErrorIs(t, err, memutils.ErrInvalidSize)

	_, err = brk.NewMapped(-4)
	require.ErrorIs(t, err, memutils.ErrInvalidSize)

	reserved, err := brk.NewReserved(1)
	require.NoError(t, err)
	require.Equal(t, brk.PageSize, reserved.Cap())
}
