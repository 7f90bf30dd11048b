package txn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvellstore/kvell/internal/index"
)

// fakeIndex is a minimal in-memory stand-in for internal/index.Index, just
// enough surface for trans_read/trans_write to exercise the write-buffer and
// lock logic without pulling in a real slab-backed store.
type fakeIndex struct {
	entries map[string]*index.Entry
	locked  map[string]bool
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{entries: map[string]*index.Entry{}, locked: map[string]bool{}}
}

func (f *fakeIndex) put(key string, rdt uint64) {
	f.entries[key] = &index.Entry{Key: []byte(key), Class: 0, Slot: 1, RDT: rdt}
}

func (f *fakeIndex) Lookup(key []byte, snapshot int64) (*index.Entry, bool) {
	e, ok := f.entries[string(key)]
	if !ok {
		return nil, false
	}
	if f.locked[string(key)] {
		return nil, false
	}
	return e, true
}

func (f *fakeIndex) LookupAndLock(key []byte, snapshot uint64) (*index.Entry, bool, bool) {
	e, present := f.entries[string(key)]
	if !present {
		return nil, false, true
	}
	if f.locked[string(key)] {
		return e, true, false
	}
	f.locked[string(key)] = true
	return e, true, true
}

func (f *fakeIndex) Revert(key []byte) {
	delete(f.locked, string(key))
}

type fakeStorage struct {
	values map[int64][]byte
	err    error
}

func (f *fakeStorage) ReadItem(e *index.Entry) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.values[e.Slot], nil
}

func TestTransactionReadFallsThroughToIndex(t *testing.T) {
	idx := newFakeIndex()
	idx.put("k", 5)
	storage := &fakeStorage{values: map[int64][]byte{1: []byte("hello")}}

	tx := New(1, 100, Fast)
	v, found, err := tx.Read(idx, storage, []byte("k"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello"), v)
}

func TestTransactionReadPrefersWriteBuffer(t *testing.T) {
	idx := newFakeIndex()
	idx.put("k", 5)
	storage := &fakeStorage{values: map[int64][]byte{1: []byte("on-disk")}}

	tx := New(1, 100, Fast)
	require.NoError(t, tx.Write(idx, []byte("k"), []byte("buffered")))

	v, found, err := tx.Read(idx, storage, []byte("k"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("buffered"), v)
}

func TestTransactionWriteFailsWhenAlreadyLocked(t *testing.T) {
	idx := newFakeIndex()
	idx.put("k", 5)
	idx.locked["k"] = true

	tx := New(1, 100, Fast)
	require.NoError(t, tx.Write(idx, []byte("k"), []byte("v")))
	assert.True(t, tx.Failed(), "writing a locked entry must fail the transaction, not error out")
}

func TestTransactionDeleteBuffersTombstone(t *testing.T) {
	idx := newFakeIndex()
	idx.put("k", 5)
	storage := &fakeStorage{}

	tx := New(1, 100, Fast)
	require.NoError(t, tx.Delete(idx, []byte("k")))

	v, found, err := tx.Read(idx, storage, []byte("k"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, v)

	val, deleted, ok := tx.Entry([]byte("k"))
	require.True(t, ok)
	assert.True(t, deleted)
	assert.Nil(t, val)
}

func TestTransactionOperationsFailAfterFailed(t *testing.T) {
	idx := newFakeIndex()
	tx := New(1, 100, Fast)
	tx.Fail()

	_, _, err := tx.Read(idx, &fakeStorage{}, []byte("k"))
	assert.ErrorIs(t, err, ErrFailed)

	assert.ErrorIs(t, tx.Write(idx, []byte("k"), []byte("v")), ErrFailed)
	assert.ErrorIs(t, tx.Delete(idx, []byte("k")), ErrFailed)
}

func TestWrittenKeysPreservesInsertionOrder(t *testing.T) {
	idx := newFakeIndex()
	idx.put("a", 1)
	idx.put("b", 1)

	tx := New(1, 100, Fast)
	require.NoError(t, tx.Write(idx, []byte("b"), []byte("1")))
	require.NoError(t, tx.Write(idx, []byte("a"), []byte("2")))

	keys := tx.WrittenKeys()
	require.Len(t, keys, 2)
	assert.Equal(t, []byte("b"), keys[0])
	assert.Equal(t, []byte("a"), keys[1])
}

func TestReadPropagatesStorageError(t *testing.T) {
	idx := newFakeIndex()
	idx.put("k", 5)
	storage := &fakeStorage{err: errors.New("boom")}

	tx := New(1, 100, Fast)
	_, _, err := tx.Read(idx, storage, []byte("k"))
	assert.EqualError(t, err, "boom")
}
