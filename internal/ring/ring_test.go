package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferEvictsOldest(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}

	require.Equal(t, 3, b.Len())
	assert.Equal(t, []int{3, 4, 5}, b.Items())

	first, ok := b.First()
	require.True(t, ok)
	assert.Equal(t, 3, first)

	last, ok := b.Last()
	require.True(t, ok)
	assert.Equal(t, 5, last)
}

func TestBufferCountAndClear(t *testing.T) {
	b := New[bool](4)
	b.Push(true)
	b.Push(false)
	b.Push(true)

	assert.Equal(t, 2, b.Count(func(v bool) bool { return v }))

	b.Clear()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 4, b.Cap())
	_, ok := b.First()
	assert.False(t, ok)
}

func TestBufferMinimumCapacity(t *testing.T) {
	b := New[string](0)
	b.Push("a")
	b.Push("b")
	assert.Equal(t, []string{"b"}, b.Items())
}
