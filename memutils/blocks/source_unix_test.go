//go:build linux || darwin || freebsd

package blocks_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/forkheap/memutils"
	"github.com/vkngwrapper/forkheap/memutils/blocks"
)

func TestMmapSource(t *testing.T) {
	source, err := blocks.NewMmapSource(1<<16, 1<<20)
	require.NoError(t, err)

	span, err := source.Acquire(1 << 16)
	require.NoError(t, err)
	require.Equal(t, 0, int(span.Base)%(1<<16))

	// The mapping is writable
	memory := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(span.Base))), span.Length)
	memory[0] = 1
	memory[span.Length-1] = 2
	require.Equal(t, byte(2), memory[span.Length-1])

	_, err = source.Acquire(1 << 20)
	require.True(t, memutils.IsResourceExhaustion(err))

	require.NoError(t, source.Release(span))
	require.True(t, memutils.IsInvariantViolation(source.Release(span)))
}

func TestDefaultSourceIsMmap(t *testing.T) {
	source, err := blocks.NewDefaultSource(4096, 1<<20)
	require.NoError(t, err)
	require.IsType(t, &blocks.MmapSource{}, source)
}
