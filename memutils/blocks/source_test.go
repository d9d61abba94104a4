package blocks_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/forkheap/memutils"
	"github.com/vkngwrapper/forkheap/memutils/blocks"
)

func TestVirtualSource(t *testing.T) {
	source, err := blocks.NewVirtualSource(4096, 4*4096)
	require.NoError(t, err)

	first, err := source.Acquire(2 * 4096)
	require.NoError(t, err)
	require.Equal(t, 2*4096, first.Length)
	require.Equal(t, 0, int(first.Base)%4096)
	require.NotEqual(t, memutils.NoAddress, first.Base)

	second, err := source.Acquire(2 * 4096)
	require.NoError(t, err)
	require.False(t, first.Overlaps(second))
	require.Equal(t, 4*4096, source.Held())

	_, err = source.Acquire(4096)
	require.True(t, memutils.IsResourceExhaustion(err))

	_, err = source.Acquire(100)
	require.True(t, memutils.IsInvariantViolation(err))

	require.NoError(t, source.Release(first))
	require.Equal(t, 2*4096, source.Held())
	err = source.Release(first)
	require.True(t, memutils.IsInvariantViolation(err))

	reused, err := source.Acquire(2 * 4096)
	require.NoError(t, err)
	require.Equal(t, first, reused)
}

func TestHeapSource(t *testing.T) {
	source, err := blocks.NewHeapSource(4096, 1<<20)
	require.NoError(t, err)

	span, err := source.Acquire(8 * 4096)
	require.NoError(t, err)
	require.Equal(t, 0, int(span.Base)%4096)
	require.Equal(t, 8*4096, span.Length)

	_, err = source.Acquire(1 << 21)
	require.True(t, memutils.IsResourceExhaustion(err))

	require.NoError(t, source.Release(span))
	require.Error(t, source.Release(span))
}

func TestDefaultCapacity(t *testing.T) {
	require.Greater(t, blocks.DefaultCapacity(), 0)
}

func TestNewSourceRejectsBadAlignment(t *testing.T) {
	_, err := blocks.NewVirtualSource(3000, 1<<20)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	_, err = blocks.NewHeapSource(0, 1<<20)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)
}
