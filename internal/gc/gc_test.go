package gc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvellstore/kvell/internal/slab"
)

func TestRingPushAndDrainBelow(t *testing.T) {
	r := New(nil)

	require.NoError(t, r.Push(Obsoleted{Class: 0, Slot: 1, RDT: 10}))
	require.NoError(t, r.Push(Obsoleted{Class: 0, Slot: 2, RDT: 20}))
	require.NoError(t, r.Push(Obsoleted{Class: 0, Slot: 3, RDT: 30}))
	assert.Equal(t, 3, r.Len())

	var reaped []slab.Slot
	n := r.DrainBelow(25, 0, func(class int, slot int64, rdt uint64) {
		reaped = append(reaped, slab.Slot{Class: class, Index: slot})
	})

	assert.Equal(t, 2, n, "only entries strictly below the watermark are reaped")
	assert.Equal(t, 1, r.Len(), "the rdt=30 entry survives the watermark")
	assert.Equal(t, []slab.Slot{{Class: 0, Index: 1}, {Class: 0, Index: 2}}, reaped)
}

func TestRingStopsAtFirstSurvivor(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Push(Obsoleted{Slot: 1, RDT: 5}))
	require.NoError(t, r.Push(Obsoleted{Slot: 2, RDT: 100}))
	require.NoError(t, r.Push(Obsoleted{Slot: 3, RDT: 6}))

	n := r.DrainBelow(50, 0, func(class int, slot int64, rdt uint64) {})
	assert.Equal(t, 1, n, "FIFO order means a later lower rdt behind a survivor is not reaped yet")
	assert.Equal(t, 2, r.Len())
}

func TestRingDrainBelowRespectsMaxCount(t *testing.T) {
	r := New(nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Push(Obsoleted{Slot: int64(i), RDT: uint64(i)}))
	}

	n := r.DrainBelow(100, 2, func(class int, slot int64, rdt uint64) {})
	assert.Equal(t, 2, n, "maxCount bounds the round even though every entry is below the watermark")
	assert.Equal(t, 3, r.Len(), "entries beyond maxCount stay queued for the next round")
}

func TestRingFullIsFatal(t *testing.T) {
	r := New(nil)
	for i := 0; i < MaxElements; i++ {
		require.NoError(t, r.Push(Obsoleted{Slot: int64(i), RDT: uint64(i)}))
	}
	err := r.Push(Obsoleted{Slot: 999999, RDT: 999999})
	assert.ErrorIs(t, err, ErrRingFull)
}

func TestObsoleteSlot(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.ObsoleteSlot(slab.Slot{Class: 2, Index: 7}, 99))
	assert.Equal(t, 1, r.Len())
}
