package slab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreeListPushPopLIFO(t *testing.T) {
	l := NewFreeList()
	_, _, ok := l.Pop()
	assert.False(t, ok, "pop on empty list should report not-ok")

	l.Push(1, 100)
	l.Push(2, 200)
	l.Push(3, 300)
	assert.Equal(t, 3, l.Len())

	slot, rdt, ok := l.Pop()
	require.True(t, ok)
	assert.Equal(t, int64(3), slot)
	assert.Equal(t, uint64(300), rdt)
	assert.Equal(t, 2, l.Len())
}

func TestFreeListMaxResidentDropsOldest(t *testing.T) {
	l := NewFreeList()
	l.MaxResident = 2
	l.Push(1, 10)
	l.Push(2, 20)
	l.Push(3, 30)

	assert.Equal(t, 2, l.Len(), "resident size must stay capped at MaxResident")

	slot, _, ok := l.Pop()
	require.True(t, ok)
	assert.Equal(t, int64(3), slot, "most recently pushed entry must still pop first")
}

func TestFreeListUnboundedWhenMaxResidentZero(t *testing.T) {
	l := NewFreeList()
	for i := int64(0); i < 1000; i++ {
		l.Push(i, uint64(i))
	}
	assert.Equal(t, 1000, l.Len())
}
