package ringbuffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferEvictsOldest(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}
	require.Equal(t, 3, b.Len())
	require.Equal(t, []int{3, 4, 5}, b.Snapshot())
}

func TestBufferUnderCapacity(t *testing.T) {
	b := New[string](256)
	b.Push("a")
	b.Push("b")
	require.Equal(t, 2, b.Len())
	require.Equal(t, []string{"a", "b"}, b.Snapshot())
}

func TestBufferLastEmpty(t *testing.T) {
	b := New[int](4)
	_, ok := b.Last()
	require.False(t, ok)

	b.Push(42)
	v, ok := b.Last()
	require.True(t, ok)
	require.Equal(t, 42, v)
}

func TestBufferFind(t *testing.T) {
	b := New[int](4)
	for i := 1; i <= 6; i++ {
		b.Push(i)
	}
	// buffer now holds 3,4,5,6
	v, ok := b.Find(func(x int) bool { return x%2 == 0 })
	require.True(t, ok)
	require.Equal(t, 6, v, "Find scans newest-first")

	_, ok = b.Find(func(x int) bool { return x > 100 })
	require.False(t, ok)
}

func TestNewPanicsOnNonPositiveCapacity(t *testing.T) {
	require.Panics(t, func() { New[int](0) })
}
