package ocr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMockAllocatorTracksCalls(t *testing.T) {
	m := NewMockAllocator()
	buf, err := m.Alloc(16)
	require.NoError(t, err)
	require.Len(t, buf, 16)
	require.NoError(t, m.Free(buf))

	allocs, frees := m.CallCounts()
	require.Equal(t, 1, allocs)
	require.Equal(t, 1, frees)
}

func TestMockAllocatorInjectsFailure(t *testing.T) {
	m := NewMockAllocator()
	m.FailNextAllocs(1)

	_, err := m.Alloc(16)
	require.Error(t, err)

	buf, err := m.Alloc(16)
	require.NoError(t, err)
	require.Len(t, buf, 16)
}
