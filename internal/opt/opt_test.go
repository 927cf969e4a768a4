package opt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValue_ZeroIsNone(t *testing.T) {
	var v Value[float64]
	_, ok := v.Get()
	assert.False(t, ok)
	assert.False(t, v.OK())
	assert.Equal(t, 7.0, v.Or(7))
}

func TestValue_Some(t *testing.T) {
	v := Some(1.5)
	got, ok := v.Get()
	assert.True(t, ok)
	assert.Equal(t, 1.5, got)
	assert.Equal(t, 1.5, v.Or(7))
	assert.False(t, None[int]().OK())
}
