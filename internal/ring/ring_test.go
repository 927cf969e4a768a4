package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_EvictsOldest(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []int{3, 4, 5}, b.Slice())

	last, ok := b.Last()
	require.True(t, ok)
	assert.Equal(t, 5, last)
}

func TestBuffer_PartialFill(t *testing.T) {
	b := New[float64](200)
	b.Push(1)
	b.Push(2)
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, 200, b.Cap())
	assert.Equal(t, []float64{1, 2}, b.Slice())
	assert.Equal(t, []float64{2}, b.Tail(1))
	assert.Equal(t, []float64{1, 2}, b.Tail(8))
}

func TestBuffer_LastWrapsAround(t *testing.T) {
	b := New[int](2)
	b.Push(1)
	b.Push(2)
	last, ok := b.Last()
	require.True(t, ok)
	assert.Equal(t, 2, last)

	b.Push(3)
	last, _ = b.Last()
	assert.Equal(t, 3, last)
	assert.Equal(t, []int{2, 3}, b.Slice())
}

func TestBuffer_Clear(t *testing.T) {
	b := New[int](2)
	b.Push(1)
	b.Push(2)
	b.Push(3)
	b.Clear()
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Slice())
	_, ok := b.Last()
	assert.False(t, ok)

	b.Push(9)
	assert.Equal(t, []int{9}, b.Slice())
}

func TestNew_MinimumCapacity(t *testing.T) {
	b := New[int](0)
	b.Push(1)
	b.Push(2)
	assert.Equal(t, []int{2}, b.Slice())
}
