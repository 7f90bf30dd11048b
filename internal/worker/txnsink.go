package worker

// txnsink.go implements internal/txn.Sink against this worker's own slab
// store, transaction-log slab, and index, wiring spec §4.6's commit path
// (log write -> apply -> end marker) onto the same primitives the ordinary
// action dispatch uses. Sink methods run on the worker's own goroutine (the
// commit driver calls them inline, never through the request queue), but
// none of them block that goroutine: each submits its I/O through
// writeItemAsync/writeRawAsync and calls its own done callback from the
// completion, so commit.go's applyAll can have every write-buffer key's
// Apply in flight at once instead of serializing them one completion at a
// time.
//
// © 2025 kvell authors. MIT License.

import (
	"github.com/kvellstore/kvell/internal/slab"
)

// logKeyFor derives the transaction log's lookup key from a txn id: the
// log slab is keyed exactly like any other slab, just with the worker's own
// id-space (spec §6 "Transactions log path").
func logKeyFor(txnID uint64) []byte {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(txnID >> (8 * (7 - i)))
	}
	return buf[:]
}

// WriteLogRecord implements txn.Sink: append (txnID, nbItems) to the
// worker's transaction log slab.
func (w *Worker) WriteLogRecord(txnID uint64, nbItems int, done func(error)) {
	key := logKeyFor(txnID)
	value := make([]byte, 8)
	for i := 0; i < 8; i++ {
		value[i] = byte(uint64(nbItems) >> (8 * (7 - i)))
	}
	slotIdx, _, reused := w.Log.GetFreeSlot()
	var err error
	if !reused {
		slotIdx, err = w.Log.AppendSlot()
		if err != nil {
			done(err)
			return
		}
	}
	item := slab.Item{RDT: txnID, Key: key, Value: value}
	if item.Size() > w.Log.ItemSize() {
		fatalf("transaction object size too small for log record", nil)
	}
	w.writeItemAsync(w.Log, slotIdx, item, func(err error) {
		w.logTxnSlot(txnID, slotIdx)
		done(err)
	})
}

func (w *Worker) logTxnSlot(txnID uint64, slotIdx int64) {
	if w.txnLogSlots == nil {
		w.txnLogSlots = make(map[uint64]int64)
	}
	w.txnLogSlots[txnID] = slotIdx
}

// Apply implements txn.Sink: issue an UPDATE (or DELETE, if deleted) for one
// write-buffer key, using the commit timestamp already allocated by the
// transaction registry rather than drawing a fresh one.
func (w *Worker) Apply(key, value []byte, rdt uint64, deleted bool, done func(error)) {
	e := w.Index.Find(key)
	if deleted {
		if e == nil {
			done(nil)
			return
		}
		w.readItemAsync(e, func(oldValue []byte, _ error) {
			s := w.Store.Slab(e.Class)
			buf := make([]byte, s.ItemSize())
			slab.EncodeTombstone(buf, rdt, s.LastSlot())
			w.writeRawAsync(s, e.Slot, buf, func(err error) {
				if err != nil {
					done(err)
					return
				}
				oldClass, oldSlot, oldRDT := e.Class, e.Slot, e.Raw()
				w.Index.Remove(key)
				w.obsoleteOldSlot(key, oldValue, oldClass, oldSlot, oldRDT, rdt)
				done(nil)
			})
		})
		return
	}

	itemSize := slab.HeaderSize + len(key) + len(value)
	newClass, cerr := slab.ClassFor(itemSize)
	if cerr != nil {
		done(cerr)
		return
	}
	if e == nil {
		s := w.Store.Slab(newClass)
		slotIdx, _, reused := s.GetFreeSlot()
		var err error
		if !reused {
			slotIdx, err = s.AppendSlot()
			if err != nil {
				done(err)
				return
			}
		}
		item := slab.Item{RDT: rdt, Key: key, Value: value}
		w.writeItemAsync(s, slotIdx, item, func(err error) {
			if err != nil {
				done(err)
				return
			}
			w.Index.Add(key, newClass, slotIdx, rdt)
			done(nil)
		})
		return
	}

	oldClass, oldSlot, oldRDT := e.Class, e.Slot, e.Raw()
	if newClass == oldClass {
		s := w.Store.Slab(oldClass)
		item := slab.Item{RDT: rdt, Key: key, Value: value}
		w.writeItemAsync(s, oldSlot, item, func(err error) {
			if err != nil {
				done(err)
				return
			}
			w.Index.UpdateInPlace(key, rdt)
			done(nil)
		})
		return
	}

	w.readItemAsync(e, func(oldValue []byte, _ error) {
		s := w.Store.Slab(newClass)
		slotIdx, _, reused := s.GetFreeSlot()
		var err error
		if !reused {
			slotIdx, err = s.AppendSlot()
			if err != nil {
				done(err)
				return
			}
		}
		item := slab.Item{RDT: rdt, Key: key, Value: value}
		w.writeItemAsync(s, slotIdx, item, func(err error) {
			if err != nil {
				done(err)
				return
			}
			w.Index.SnapshotVersion(key, rdt)
			w.Index.Update(key, newClass, slotIdx, rdt)
			w.obsoleteOldSlot(key, oldValue, oldClass, oldSlot, oldRDT, rdt)
			done(nil)
		})
	})
}

// EndCommit implements txn.Sink: tombstone the log record, deleting it
// (spec §4.6 "issue an END_TRANSACTION_COMMIT on the log key to delete the
// log record").
func (w *Worker) EndCommit(txnID uint64, done func(error)) {
	slotIdx, ok := w.txnLogSlots[txnID]
	if !ok {
		done(nil)
		return
	}
	delete(w.txnLogSlots, txnID)
	buf := make([]byte, w.Log.ItemSize())
	slab.EncodeTombstone(buf, txnID, w.Log.LastSlot())
	w.writeRawAsync(w.Log, slotIdx, buf, func(err error) {
		if err == nil {
			w.Log.AddToPartiallyFreed(slotIdx, txnID)
		}
		done(err)
	})
}

// Revert implements txn.Sink for the abort fast path: unlock (or drop, if a
// pure reservation) the index entry for key.
func (w *Worker) Revert(key []byte) {
	w.Index.Revert(key)
}
