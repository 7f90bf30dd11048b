package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndLookup(t *testing.T) {
	ix := New()
	ix.Add([]byte("alice"), 0, 1, 10)

	e, allowed := ix.Lookup([]byte("alice"), -1)
	require.True(t, allowed)
	assert.Equal(t, int64(1), e.Slot)

	_, allowed = ix.Lookup([]byte("bob"), -1)
	assert.False(t, allowed, "absent key must not be readable")
}

func TestAddDuplicatePanics(t *testing.T) {
	ix := New()
	ix.Add([]byte("k"), 0, 1, 1)
	assert.Panics(t, func() { ix.Add([]byte("k"), 0, 2, 2) })
}

func TestLookupHonoursLockedBit(t *testing.T) {
	ix := New()
	ix.Add([]byte("k"), 0, 1, 1)
	_, _, ok := ix.LookupAndLock([]byte("k"), 100)
	require.True(t, ok)

	_, allowed := ix.Lookup([]byte("k"), -1)
	assert.False(t, allowed, "a bare read must not observe a locked entry")
}

func TestLookupAndLockRejectsAlreadyLocked(t *testing.T) {
	ix := New()
	ix.Add([]byte("k"), 0, 1, 1)
	_, present, ok := ix.LookupAndLock([]byte("k"), 100)
	require.True(t, ok)
	require.True(t, present)

	_, present, ok = ix.LookupAndLock([]byte("k"), 100)
	assert.True(t, present)
	assert.False(t, ok, "a second writer must not be able to lock the same entry")
}

func TestLookupAndLockAbsentKeyAlwaysAllowed(t *testing.T) {
	ix := New()
	_, present, ok := ix.LookupAndLock([]byte("ghost"), 5)
	assert.False(t, present)
	assert.True(t, ok)
}

func TestUnlockNeverLockedPanics(t *testing.T) {
	ix := New()
	ix.Add([]byte("k"), 0, 1, 1)
	assert.Panics(t, func() { ix.Unlock([]byte("k")) })
}

func TestRevertRemovesPureReservation(t *testing.T) {
	ix := New()
	ix.Reserve([]byte("k"), 7)
	ix.Revert([]byte("k"))

	_, allowed := ix.Lookup([]byte("k"), 1<<30)
	assert.False(t, allowed, "a reverted reservation leaves nothing behind")
}

func TestRevertUnlocksMaterialisedEntry(t *testing.T) {
	ix := New()
	ix.Add([]byte("k"), 0, 1, 1)
	ix.LookupAndLock([]byte("k"), 100)
	ix.Revert([]byte("k"))

	e, allowed := ix.Lookup([]byte("k"), -1)
	require.True(t, allowed)
	assert.False(t, e.Locked())
}

func TestLookupNextBatchOrdersByPrefix(t *testing.T) {
	ix := New()
	ix.Add([]byte{0, 0, 0, 0, 0, 0, 0, 1}, 0, 1, 1)
	ix.Add([]byte{0, 0, 0, 0, 0, 0, 0, 2}, 0, 2, 1)
	ix.Add([]byte{0, 0, 0, 0, 0, 0, 0, 3}, 0, 3, 1)

	entries, keys := ix.LookupNextBatch([]byte{0, 0, 0, 0, 0, 0, 0, 1}, -1, 10)
	require.Len(t, entries, 2)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 2}, keys[0])
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 3}, keys[1])
}

func TestSnapshotVersionAndCleanUpTo(t *testing.T) {
	ix := New()
	e := ix.Add([]byte("k"), 0, 1, 10)
	prefix := e.Prefix

	ix.SnapshotVersion([]byte("k"), 20)
	ix.Update([]byte("k"), 0, 2, 20)
	ix.SnapshotVersion([]byte("k"), 30)
	ix.Update([]byte("k"), 0, 3, 30)

	v, ok := ix.lookupChain(prefix, 15)
	require.True(t, ok)
	assert.Equal(t, int64(1), v.Slot)

	freed := ix.CleanUpTo(prefix, 25)
	require.Len(t, freed, 1)
	assert.Equal(t, int64(1), freed[0].Slot)
}

func TestRemoveDeletesLiveEntry(t *testing.T) {
	ix := New()
	ix.Add([]byte("k"), 0, 1, 1)
	removed := ix.Remove([]byte("k"))
	require.NotNil(t, removed)

	_, allowed := ix.Lookup([]byte("k"), -1)
	assert.False(t, allowed)
}

func TestMarkRecoveredClearsOnUpdate(t *testing.T) {
	ix := New()
	ix.Add([]byte("k"), 0, 1, 1)
	ix.MarkRecovered([]byte("k"))

	assert.Equal(t, 1, ix.RecoveredCount())
	e, _ := ix.Lookup([]byte("k"), -1)
	assert.True(t, e.RecoveredFromDisk())

	ix.UpdateInPlace([]byte("k"), 2)
	assert.Equal(t, 0, ix.RecoveredCount(), "a live write must clear the NEW-INDEX flag")
}
