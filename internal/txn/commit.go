package txn

// commit.go implements spec §4.6's commit path: the fast abort path for a
// failed or read-only transaction, and the full log-then-apply-then-end
// path for a transaction with buffered writes.
//
// © 2025 kvell authors. MIT License.

import (
	"strconv"
	"sync/atomic"
)

// Sink is the shard-side apply surface the commit path drives. Every method
// is callback-style (invoking done once its effect is durable/applied)
// because the underlying work crosses the async I/O boundary (spec §4.2);
// internal/worker supplies the concrete implementation wired to its slab
// store and index.
type Sink interface {
	// Revert undoes a buffered write's lock, per index.Revert.
	Revert(key []byte)
	// WriteLogRecord durably appends (txnID, nbItems) to the transaction
	// log and invokes done once the write completes.
	WriteLogRecord(txnID uint64, nbItems int, done func(err error))
	// Apply issues an UPDATE (or a DELETE, if deleted is set) for one
	// write-buffer entry and invokes done once applied.
	Apply(key, value []byte, rdt uint64, deleted bool, done func(err error))
	// EndCommit issues END_TRANSACTION_COMMIT against the log record and
	// invokes done once the record is removed.
	EndCommit(txnID uint64, done func(err error))
}

// Commit drives t through spec §4.6's commit path to a terminal state,
// invoking onDone exactly once when the transaction becomes Committed or
// Aborted. reg is used to allocate the commit timestamp and track the
// in-commit queue; sink performs the actual log/apply/end work.
func Commit(t *Transaction, reg *Registry, sink Sink, onDone func()) {
	t.mu.Lock()
	failed := t.failed
	hasWrite := t.hasWrite
	t.mu.Unlock()

	if failed || !hasWrite {
		abortFastPath(t, reg, sink, onDone)
		return
	}

	ts := reg.EnterCommit()
	t.mu.Lock()
	t.inCommit = true
	t.IDOnDisk = ts
	t.State = CommittingLog
	keys := append([][]byte(nil), t.order2Keys()...)
	nbItems := len(keys)
	t.mu.Unlock()

	sink.WriteLogRecord(ts, nbItems, func(err error) {
		if err != nil {
			// Fatal per spec §7 classification of submission failures;
			// the caller's worker loop panics with a FatalError rather
			// than silently losing a commit record.
			panic(&LogWriteError{TxnID: ts, Err: err})
		}
		t.mu.Lock()
		t.State = CommittingApply
		t.mu.Unlock()
		applyAll(t, ts, keys, sink, func() {
			t.mu.Lock()
			t.State = CommittingEnd
			t.mu.Unlock()
			sink.EndCommit(ts, func(err error) {
				if err != nil {
					panic(&LogWriteError{TxnID: ts, Err: err})
				}
				t.mu.Lock()
				t.State = Committed
				t.inCommit = false
				t.mu.Unlock()
				reg.LeaveCommit(ts)
				reg.End(t)
				onDone()
			})
		})
	})
}

// order2Keys returns the write-buffer keys in insertion order; unexported
// helper kept local to commit.go since it's only meaningful mid-commit.
func (t *Transaction) order2Keys() [][]byte {
	var keys [][]byte
	for _, k := range t.order {
		ce := t.cache[k]
		if ce.Flags&FlagWrite != 0 {
			keys = append(keys, ce.Key)
		}
	}
	return keys
}

// applyAll issues Apply for every buffered write, invoking allDone once the
// last one completes. Order among the concurrent applies is not
// significant: spec §4.6 only requires that the commit proceed to END once
// "the last write completes".
func applyAll(t *Transaction, rdt uint64, keys [][]byte, sink Sink, allDone func()) {
	if len(keys) == 0 {
		allDone()
		return
	}
	var remaining atomic.Int64
	remaining.Store(int64(len(keys)))
	for _, k := range keys {
		value, deleted, _ := t.Entry(k)
		sink.Apply(k, value, rdt, deleted, func(err error) {
			if err != nil {
				panic(&ApplyError{Key: append([]byte(nil), k...), Err: err})
			}
			if remaining.Add(-1) == 0 {
				allDone()
			}
		})
	}
}

// abortFastPath implements spec §4.6 step 1: revert every buffered write
// and finish without ever writing a log record.
func abortFastPath(t *Transaction, reg *Registry, sink Sink, onDone func()) {
	keys := t.WrittenKeys()
	for _, k := range keys {
		sink.Revert(k)
	}
	t.mu.Lock()
	t.State = Aborted
	t.mu.Unlock()
	reg.End(t)
	if onDone != nil {
		onDone()
	}
}

// LogWriteError reports a failed/short commit-log write — Fatal per spec §7.
type LogWriteError struct {
	TxnID uint64
	Err   error
}

func (e *LogWriteError) Error() string {
	return "kvell: commit log write failed for txn " + strconv.FormatUint(e.TxnID, 10) + ": " + e.Err.Error()
}
func (e *LogWriteError) Unwrap() error { return e.Err }

// ApplyError reports a failed commit-apply write for one key — also Fatal,
// since a durable log record now promises a write that cannot land.
type ApplyError struct {
	Key []byte
	Err error
}

func (e *ApplyError) Error() string {
	return "kvell: commit apply failed for key " + string(e.Key) + ": " + e.Err.Error()
}
func (e *ApplyError) Unwrap() error { return e.Err }
