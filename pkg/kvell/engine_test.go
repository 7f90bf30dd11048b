package kvell_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvellstore/kvell/pkg/kvell"
)

func newEngine(t *testing.T, opts ...kvell.Option) *kvell.Engine {
	t.Helper()
	dir := t.TempDir()
	all := append([]kvell.Option{kvell.WithDataDir(dir), kvell.WithShards(4), kvell.WithRecovery(false)}, opts...)
	e, err := kvell.New(all...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestPutGetRoundTrip(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, []byte("hello"), []byte("world")))

	v, ok, err := e.Get(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("world"), v)
}

func TestGetMissingKey(t *testing.T) {
	e := newEngine(t)
	_, ok, err := e.Get(context.Background(), []byte("nope"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutOverwritesExistingValue(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Put(ctx, []byte("k"), []byte("v1")))
	require.NoError(t, e.Put(ctx, []byte("k"), []byte("v2")))

	v, ok, err := e.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), v)
}

func TestDeleteRemovesKey(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Put(ctx, []byte("k"), []byte("v")))
	require.NoError(t, e.Delete(ctx, []byte("k")))

	_, ok, err := e.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransactionCommitIsVisibleAfterward(t *testing.T) {
	e := newEngine(t)
	tx, err := e.Begin(kvell.Fast)
	require.NoError(t, err)

	require.NoError(t, tx.Put([]byte("txn-key"), []byte("txn-value")))
	require.NoError(t, tx.Commit())

	v, ok, err := e.Get(context.Background(), []byte("txn-key"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("txn-value"), v)
}

func TestTransactionAbortLeavesNoTrace(t *testing.T) {
	e := newEngine(t)
	tx, err := e.Begin(kvell.Fast)
	require.NoError(t, err)

	// "txn-key" routes to the owner shard of the engine's first transaction
	// under 4 shards; a key on any other shard is rejected by Put.
	require.NoError(t, tx.Put([]byte("txn-key"), []byte("v")))
	require.NoError(t, tx.Abort())

	_, ok, err := e.Get(context.Background(), []byte("txn-key"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubmitAfterCloseReturnsErrClosed(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.Close())

	err := e.Put(context.Background(), []byte("k"), []byte("v"))
	assert.ErrorIs(t, err, kvell.ErrClosed)
}

func TestInvalidShardCountRejected(t *testing.T) {
	dir := t.TempDir()
	_, err := kvell.New(kvell.WithDataDir(dir), kvell.WithShards(3))
	assert.Error(t, err, "shard count must be a power of two")
}

func TestTransactionRejectsKeyOnAnotherShard(t *testing.T) {
	e := newEngine(t)
	tx, err := e.Begin(kvell.Fast)
	require.NoError(t, err)

	var sawRejection bool
	for i := 0; i < 64; i++ {
		key := []byte{byte(i), byte(i >> 8)}
		if err := tx.Put(key, []byte("v")); err != nil {
			sawRejection = true
			break
		}
	}
	assert.True(t, sawRejection, "with 4 shards, some key among 64 distinct ones must land outside the transaction's owner shard")
}
