package slab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvellstore/kvell/internal/ioengine"
)

func TestClassFor(t *testing.T) {
	cases := []struct {
		size     int
		wantIdx  int
		wantSize int
	}{
		{size: 1, wantIdx: 0, wantSize: 100},
		{size: 100, wantIdx: 0, wantSize: 100},
		{size: 101, wantIdx: 1, wantSize: 128},
		{size: 4096, wantIdx: len(SizeClasses) - 1, wantSize: 4096},
	}
	for _, c := range cases {
		idx, err := ClassFor(c.size)
		require.NoError(t, err)
		assert.Equal(t, c.wantIdx, idx)
		assert.Equal(t, c.wantSize, SizeClasses[idx])
	}

	_, err := ClassFor(SizeClasses[len(SizeClasses)-1] + 1)
	assert.ErrorIs(t, err, ErrItemTooLarge)
}

func TestStoreOpenAndAppendSlot(t *testing.T) {
	dir := t.TempDir()
	io := ioengine.New(64, 16)

	st, err := Open(dir, 0, io, nil)
	require.NoError(t, err)
	defer st.Close()

	s, err := st.ForClass(64)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Class())
	assert.Equal(t, int64(0), s.LastSlot())

	slot, err := s.AppendSlot()
	require.NoError(t, err)
	assert.Equal(t, int64(0), slot)
	assert.Equal(t, int64(1), s.LastSlot())
	assert.Equal(t, int64(1), s.LiveCount())

	next, err := s.AppendSlot()
	require.NoError(t, err)
	assert.Equal(t, int64(1), next)
}

func TestSlabGetFreeSlotReusesTombstones(t *testing.T) {
	dir := t.TempDir()
	io := ioengine.New(64, 16)

	st, err := Open(dir, 1, io, nil)
	require.NoError(t, err)
	defer st.Close()

	s := st.Slab(0)
	slot, err := s.AppendSlot()
	require.NoError(t, err)

	s.AddToPartiallyFreed(slot, 42)
	assert.Equal(t, int64(0), s.LiveCount())

	reused, rdt, ok := s.GetFreeSlot()
	assert.True(t, ok)
	assert.Equal(t, slot, reused)
	assert.Equal(t, uint64(42), rdt)
	assert.Equal(t, int64(1), s.LiveCount())
}

func TestGrowPageAligns(t *testing.T) {
	dir := t.TempDir()
	io := ioengine.New(64, 16)

	st, err := Open(dir, 2, io, nil)
	require.NoError(t, err)
	defer st.Close()

	s, err := st.ForClass(100)
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		_, err := s.AppendSlot()
		require.NoError(t, err)
	}
	size, err := s.File().Size()
	require.NoError(t, err)
	assert.Zero(t, size%PageSize)
}
