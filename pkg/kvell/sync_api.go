package kvell

// sync_api.go layers a synchronous, blocking convenience API over the
// callback-submission contract of engine.go/action.go, following the
// teacher's loader.go pattern: Get de-duplicates concurrent requests for the
// same key via golang.org/x/sync/singleflight so a thundering herd of
// readers for one hot key only issues one worker round-trip.
//
// © 2025 kvell authors. MIT License.

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/kvellstore/kvell/internal/txn"
	"github.com/kvellstore/kvell/internal/unsafehelpers"
)

// TxnType selects spec §3's transaction flavor.
type TxnType = txn.Type

const (
	Fast     = txn.Fast
	Snapshot = txn.Snapshot
	Long     = txn.Long
)

func (e *Engine) loaders() *singleflight.Group {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readGroup == nil {
		e.readGroup = &singleflight.Group{}
	}
	return e.readGroup
}

// call submits a non-transactional Request (routed purely by key) and
// blocks for its Result.
func (e *Engine) call(action Action, key, value []byte) (*Result, error) {
	done := make(chan *Result, 1)
	req := &Request{
		Action:       action,
		Key:          key,
		Value:        value,
		Continuation: &Continuation{Fn: func(r *Result) { done <- r }},
	}
	if err := e.Submit(req); err != nil {
		return nil, err
	}
	r := <-done
	return r, r.Err
}

// Get reads the latest visible value for key outside any transaction,
// de-duplicating concurrent callers via singleflight.
func (e *Engine) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	// singleflight.Group.Do never retains its key past the call, so the
	// zero-copy string view is safe even though key may be reused by the
	// caller immediately after Get returns.
	k := unsafehelpers.BytesToString(key)
	v, err, _ := e.loaders().Do(k, func() (any, error) {
		r, err := e.call(Read, key, nil)
		if err != nil {
			return nil, err
		}
		if !r.Present {
			return nil, nil
		}
		return r.Value, nil
	})
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

// Put sets key to value outside any transaction (ADD_OR_UPDATE_IN_PLACE).
func (e *Engine) Put(ctx context.Context, key, value []byte) error {
	_, err := e.call(AddOrUpdateInPlace, key, value)
	return err
}

// Delete removes key outside any transaction. Deleting an absent key is not
// an error; Delete does not report whether anything was removed.
func (e *Engine) Delete(ctx context.Context, key []byte) error {
	_, err := e.call(Delete, key, nil)
	return err
}

// Txn is a handle to one multi-statement transaction bound to the shard
// that owns it (SPEC_FULL.md Open Question #4).
type Txn struct {
	e       *Engine
	inner   *txn.Transaction
	ownerID int
}

// Begin starts a new transaction of the given type.
func (e *Engine) Begin(typ TxnType) (*Txn, error) {
	t, err := e.registry.Begin(typ)
	if err != nil {
		return nil, err
	}
	owner := shardFor(txnIDKey(t.ID), e.cfg.shards)
	return &Txn{e: e, inner: t, ownerID: owner}, nil
}

func txnIDKey(id uint64) []byte {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(id >> (8 * (7 - i)))
	}
	return buf[:]
}

func (t *Txn) checkOwner(key []byte) error {
	if shardFor(key, t.e.cfg.shards) != t.ownerID {
		t.inner.Fail()
		return fmt.Errorf("kvell: key routes to a different shard than transaction owner %d", t.ownerID)
	}
	return nil
}

// Get reads key within the transaction's snapshot (write-buffer first).
func (t *Txn) Get(key []byte) ([]byte, bool, error) {
	if err := t.checkOwner(key); err != nil {
		return nil, false, err
	}
	r, err := t.e.callOn(t.ownerID, Read, key, nil, t.inner)
	if err != nil {
		return nil, false, err
	}
	return r.Value, r.Present, nil
}

// Put buffers a write for key, locking its entry if not already held.
func (t *Txn) Put(key, value []byte) error {
	if err := t.checkOwner(key); err != nil {
		return err
	}
	_, err := t.e.callOn(t.ownerID, TxnWrite, key, value, t.inner)
	return err
}

// Delete buffers a tombstone write for key.
func (t *Txn) Delete(key []byte) error {
	if err := t.checkOwner(key); err != nil {
		return err
	}
	_, err := t.e.callOn(t.ownerID, TxnDelete, key, nil, t.inner)
	return err
}

// Commit drives spec §4.6's commit path: the fast abort path if the
// transaction failed or never wrote, otherwise log-write, apply, end-marker.
func (t *Txn) Commit() error {
	_, err := t.e.callOn(t.ownerID, StartTransactionCommit, nil, nil, t.inner)
	return err
}

// Abort marks the transaction failed and drives it through the same fast
// commit path, which reverts every locked key without writing a log record.
func (t *Txn) Abort() error {
	t.inner.Fail()
	return t.Commit()
}

// callOn submits directly to a chosen worker, bypassing per-key routing —
// every op belonging to one transaction stays pinned to its owner worker.
func (e *Engine) callOn(workerID int, action Action, key, value []byte, t *txn.Transaction) (*Result, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	done := make(chan *Result, 1)
	req := &Request{
		Action:       action,
		Key:          key,
		Value:        value,
		Txn:          t,
		Continuation: &Continuation{Fn: func(r *Result) { done <- r }},
	}
	e.metrics.incRequests(workerID, action.String())
	e.workers[workerID].Submit(req)
	r := <-done
	return r, r.Err
}
