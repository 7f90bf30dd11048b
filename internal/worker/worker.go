package worker

// worker.go is the per-shard single-goroutine dispatcher of spec §4.8: it
// owns one worker's slab store, page cache/I-O engine, primary index, GC
// ring, and propagation list, and drives the main loop of spec §4.8's six
// numbered steps.
//
// © 2025 kvell authors. MIT License.

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kvellstore/kvell/internal/gc"
	"github.com/kvellstore/kvell/internal/index"
	"github.com/kvellstore/kvell/internal/ioengine"
	"github.com/kvellstore/kvell/internal/pagecache"
	"github.com/kvellstore/kvell/internal/scan"
	"github.com/kvellstore/kvell/internal/slab"
	"github.com/kvellstore/kvell/internal/txn"
)

// MaxCleaningOpPerRound bounds GC work per dispatcher iteration (spec §6
// MAX_CLEANING_OP_PER_ROUND).
const MaxCleaningOpPerRound = 256

// FatalError is the panic payload for every condition spec §7 classifies as
// Fatal. The top of Run recovers every panic, logs it if it is of this
// type, and re-panics
// so the process dies loudly instead of limping on with corrupted state —
// the Go idiom for the C source's die().
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("kvell: fatal: %s: %v", e.Reason, e.Err)
	}
	return "kvell: fatal: " + e.Reason
}
func (e *FatalError) Unwrap() error { return e.Err }

func fatalf(reason string, err error) {
	panic(&FatalError{Reason: reason, Err: err})
}

// Worker owns every per-shard structure (spec §5: "Workers do not share
// mutable state with each other").
type Worker struct {
	ID int

	Store *slab.Store
	Log   *slab.Slab // transaction commit-log slab (spec §6)
	IO    *ioengine.Engine
	Index *index.Index
	GC    *gc.Ring

	Registry    *txn.Registry // shared across workers
	Propagation *scan.List
	Shards      int // total worker count, for scan fan-out sizing

	Queue  *Queue
	never  bool // NEVER_EXCEED_QUEUE_DEPTH
	logger *zap.Logger

	scans       map[uint64]*scan.LongScan // keyed by a caller-assigned scan id
	txnLogSlots map[uint64]int64          // txn id -> log-slab slot, for EndCommit
}

// New constructs a worker. store/logSlab/ioEngine/idx/gcRing must already be
// opened/initialized (recovery, if any, has already run against them).
func New(id int, store *slab.Store, logSlab *slab.Slab, ioEngine *ioengine.Engine, idx *index.Index, gcRing *gc.Ring, reg *txn.Registry, shards, queueCapacity int, neverExceedQueueDepth bool, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		ID:          id,
		Store:       store,
		Log:         logSlab,
		IO:          ioEngine,
		Index:       idx,
		GC:          gcRing,
		Registry:    reg,
		Propagation: scan.NewList(),
		Shards:      shards,
		Queue:       NewQueue(queueCapacity),
		never:       neverExceedQueueDepth,
		logger:      logger,
		scans:       make(map[uint64]*scan.LongScan),
	}
}

// Submit enqueues a request, blocking the calling injector if the queue is
// full (spec §5 backpressure).
func (w *Worker) Submit(r *Request) { w.Queue.Push(r) }

// RegisterScan binds a caller-chosen id to a LongScan so that subsequent
// ReadNext/ReadNextBatch requests can address it by id instead of carrying
// the scan object itself through the queue.
func (w *Worker) RegisterScan(id uint64, l *scan.LongScan) { w.scans[id] = l }

// UnregisterScan drops a scan binding once its shard has ended.
func (w *Worker) UnregisterScan(id uint64) { delete(w.scans, id) }

// Run executes spec §4.8's main loop until stop is closed. It must be
// called from the single goroutine that owns this worker's shard.
func (w *Worker) Run(stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			if fe, ok := r.(*FatalError); ok {
				w.logger.Error("worker terminating on fatal condition", zap.Int("worker", w.ID), zap.Error(fe))
			}
			panic(r)
		}
	}()
	for {
		select {
		case <-stop:
			return
		default:
		}

		// Steps 1-2: submit pending I/O, harvest completions (linked
		// callbacks are drained internally by the engine).
		w.IO.Step(w.never)

		// Step 3: suspend if there is truly nothing to do.
		if w.IO.Pending() == 0 && w.IO.InFlight() == 0 && w.Queue.Len() == 0 {
			w.Queue.Wait()
			continue
		}

		// Step 4: one round of GC.
		w.runGCRound()

		// Step 5: the clock is a shared atomic counter (internal/txn.Clock);
		// there is nothing to "refresh" locally, it is always read fresh.

		// Step 6: execute one request.
		if req, ok := w.Queue.TryPop(); ok {
			w.dispatch(req)
		} else if w.IO.InFlight() > 0 {
			w.IO.WaitForCompletion()
		}
	}
}

func (w *Worker) runGCRound() {
	watermark := w.Registry.MinActiveSnapshot()
	w.GC.DrainBelow(watermark, MaxCleaningOpPerRound, func(class int, slotIdx int64, rdt uint64) {
		s := w.Store.Slab(class)
		s.AddToPartiallyFreed(slotIdx, rdt)
		w.IO.Cache().Invalidate(pagecache.HashPage(s.File().ID(), slotIdx/(slab.PageSize/int64(s.ItemSize()))))
	})
}

/* -------------------------------------------------------------------------
   Item I/O: satisfies txn.Storage and scan.ItemReader
   ------------------------------------------------------------------------- */

// readItemAsync resolves a primary-index entry to its current value bytes,
// implementing spec §4.2's read_page_async contract without ever blocking
// the calling goroutine: done is invoked from within the I/O engine's own
// completion delivery (synchronously, if the page is already resident;
// otherwise later, when Run's main loop drains the completion). A short
// read or a corrupt record is Fatal per spec §7 and panics from inside the
// completion itself, exactly as it would have if read_page_async's callback
// ran on the worker thread in the C source.
func (w *Worker) readItemAsync(e *index.Entry, done func(value []byte, err error)) {
	if !e.Present() {
		done(nil, nil)
		return
	}
	s := w.Store.Slab(e.Class)
	page, offset := s.PageAndOffset(e.Slot)
	w.IO.ReadPageAsync(s.File(), page, func(frame *pagecache.Frame, err error) {
		if err != nil {
			fatalf("read of present index entry failed", err)
		}
		buf := frame.Data[offset : offset+int64(s.ItemSize())]
		item, ok := slab.Decode(buf)
		if !ok {
			fatalf("decode failed for present index entry", nil)
		}
		done(append([]byte(nil), item.Value...), nil)
	})
}

// ReadItem is the synchronous facade over readItemAsync kept for the two
// call sites that must return a value in the same call (txn.Storage and
// scan.ItemReader): a plain non-transactional READ and one OLCP scan pull
// batch are each already treated as a single, bounded unit of work by spec
// §4.8's worker loop, so draining this one op's completion inline does not
// reintroduce the bug reworked elsewhere in this file — every write-path
// caller that used to block here (ADD/UPDATE/DELETE and commit Apply's
// pre-image capture) now calls readItemAsync directly instead and never
// waits here at all.
func (w *Worker) ReadItem(e *index.Entry) ([]byte, error) {
	var (
		value []byte
		done  bool
	)
	w.readItemAsync(e, func(v []byte, _ error) {
		value, done = v, true
	})
	for !done {
		// A cold page is only queued by readItemAsync; submit it before
		// waiting, and wait only while something is actually in flight.
		w.IO.Step(w.never)
		if !done && w.IO.InFlight() > 0 {
			w.IO.WaitForCompletion()
		}
	}
	return value, nil
}

// writeItemAsync encodes item into slot's backing page and writes it
// through, invoking done from the completion callback instead of blocking;
// the read-modify-write chain (read must land before the partial-page write
// per WritePageAsync's contract) is expressed as nested completions rather
// than a synchronous wait between the two legs.
func (w *Worker) writeItemAsync(s *slab.Slab, slotIdx int64, item slab.Item, done func(err error)) {
	page, offset := s.PageAndOffset(slotIdx)
	if item.Size() > s.ItemSize() {
		fatalf("item exceeds its slab class", nil)
	}
	buf := make([]byte, s.ItemSize())
	item.Encode(buf)

	w.IO.ReadPageAsync(s.File(), page, func(frame *pagecache.Frame, err error) {
		if err != nil {
			done(err)
			return
		}
		merged := append([]byte(nil), frame.Data...)
		copy(merged[offset:offset+int64(len(buf))], buf)
		w.IO.WritePageAsync(s.File(), page, merged, func(_ *pagecache.Frame, werr error) {
			done(werr)
		})
	})
}

// writeRawAsync writes an already-encoded, full-slot-sized buffer to
// slotIdx through the same nested-completion read-modify-write chain as
// writeItemAsync, for tombstone and log-record writes that already have
// their bytes encoded.
func (w *Worker) writeRawAsync(s *slab.Slab, slotIdx int64, buf []byte, done func(err error)) {
	page, offset := s.PageAndOffset(slotIdx)
	w.IO.ReadPageAsync(s.File(), page, func(frame *pagecache.Frame, err error) {
		if err != nil {
			done(err)
			return
		}
		merged := append([]byte(nil), frame.Data...)
		copy(merged[offset:offset+int64(len(buf))], buf)
		w.IO.WritePageAsync(s.File(), page, merged, func(_ *pagecache.Frame, werr error) {
			done(werr)
		})
	})
}

/* -------------------------------------------------------------------------
   Action state machine (spec §4.8 step 6 / §4.4 permission matrix)
   ------------------------------------------------------------------------- */

func (w *Worker) dispatch(r *Request) {
	switch r.Action {
	case Add:
		w.doAdd(r)
	case Update:
		w.doUpdate(r, false)
	case UpdateInPlace:
		w.doUpdateInPlace(r)
	case AddOrUpdateInPlace:
		w.doAddOrUpdateInPlace(r)
	case Delete:
		w.doDelete(r)
	case Read:
		w.doRead(r)
	case ReadNoLookup:
		w.doReadNoLookup(r)
	case ReadForWrite:
		w.doLock(r)
	case ReadNext:
		w.doReadNextBatch(r)
	case ReadNextBatch:
		w.doReadNextBatch(r)
	case StartTransactionCommit:
		w.doStartTransactionCommit(r)
	case EndTransactionCommit:
		w.doEndTransactionCommit(r)
	case Map:
		w.doMap(r)
	case TxnWrite:
		w.doTxnWrite(r)
	case TxnDelete:
		w.doTxnDelete(r)
	case Revert:
		w.doRevert(r)
	default:
		r.Continuation.invoke(&Result{Err: fmt.Errorf("kvell: unsupported action on worker dispatch: %v", r.Action)})
	}
}

func (w *Worker) snapshotFor(r *Request) int64 {
	if r.Txn != nil {
		return int64(r.Txn.Snapshot)
	}
	return -1
}

func (w *Worker) doAdd(r *Request) {
	if w.Index.Find(r.Key) != nil {
		fatalf("duplicate ADD for key already present in index", nil)
	}
	itemSize := slab.HeaderSize + len(r.Key) + len(r.Value)
	s, err := w.Store.ForClass(itemSize)
	if err != nil {
		fatalf("item larger than largest slab class", err)
	}
	slotIdx, _, reused := s.GetFreeSlot()
	if !reused {
		slotIdx, err = s.AppendSlot()
		if err != nil {
			fatalf("slab file allocation failed", err)
		}
	}
	rdt := w.Registry.Clock.Next()
	key := r.Key
	item := slab.Item{RDT: rdt, Key: key, Value: r.Value}
	w.writeItemAsync(s, slotIdx, item, func(err error) {
		if err != nil {
			fatalf("write_page_async short write", err)
		}
		w.Index.Add(key, s.Class(), slotIdx, rdt)
		r.Continuation.invoke(&Result{Allowed: true})
	})
}

func (w *Worker) doUpdate(r *Request, inPlace bool) {
	e := w.Index.Find(r.Key)
	if e == nil {
		r.Continuation.invoke(&Result{Allowed: false, Err: errors.New("kvell: UPDATE on absent key")})
		return
	}
	oldClass, oldSlot, oldRDT := e.Class, e.Slot, e.Raw()
	itemSize := slab.HeaderSize + len(r.Key) + len(r.Value)
	newClass, err := slab.ClassFor(itemSize)
	if err != nil {
		fatalf("item larger than largest slab class", err)
	}
	rdt := w.Registry.Clock.Next()
	key, value := r.Key, r.Value

	if inPlace || newClass == oldClass {
		s := w.Store.Slab(oldClass)
		item := slab.Item{RDT: rdt, Key: key, Value: value}
		w.writeItemAsync(s, oldSlot, item, func(err error) {
			if err != nil {
				fatalf("write_page_async short write", err)
			}
			w.Index.UpdateInPlace(key, rdt)
			r.Continuation.invoke(&Result{Allowed: true})
		})
		return
	}

	// pre-image, captured before e is repointed to the new slot
	w.readItemAsync(e, func(oldValue []byte, _ error) {
		s := w.Store.Slab(newClass)
		slotIdx, _, reused := s.GetFreeSlot()
		var err error
		if !reused {
			slotIdx, err = s.AppendSlot()
			if err != nil {
				fatalf("slab file allocation failed", err)
			}
		}
		item := slab.Item{RDT: rdt, Key: key, Value: value}
		w.writeItemAsync(s, slotIdx, item, func(err error) {
			if err != nil {
				fatalf("write_page_async short write", err)
			}
			w.Index.SnapshotVersion(key, rdt)
			w.Index.Update(key, newClass, slotIdx, rdt)
			w.obsoleteOldSlot(e.Key, oldValue, oldClass, oldSlot, oldRDT, rdt)
			r.Continuation.invoke(&Result{Allowed: true})
		})
	})
}

func (w *Worker) doUpdateInPlace(r *Request) { w.doUpdate(r, true) }

func (w *Worker) doAddOrUpdateInPlace(r *Request) {
	// Supplemented from original_source/slabworker.c's ADD_OR_UPDATE case
	// (SPEC_FULL.md SUPPLEMENTED FEATURES): absent key behaves as ADD;
	// present key behaves as UPDATE_IN_PLACE when the new value still fits
	// the existing slot's class, else falls back to a full UPDATE.
	e := w.Index.Find(r.Key)
	if e == nil {
		w.doAdd(r)
		return
	}
	itemSize := slab.HeaderSize + len(r.Key) + len(r.Value)
	newClass, err := slab.ClassFor(itemSize)
	if err != nil {
		fatalf("item larger than largest slab class", err)
	}
	w.doUpdate(r, newClass == e.Class)
}

func (w *Worker) doDelete(r *Request) {
	e := w.Index.Find(r.Key)
	if e == nil {
		r.Continuation.invoke(&Result{Allowed: false})
		return
	}
	key := r.Key
	// pre-image, captured before the tombstone overwrites the slot
	w.readItemAsync(e, func(oldValue []byte, _ error) {
		rdt := w.Registry.Clock.Next()
		s := w.Store.Slab(e.Class)
		// Write the tombstone header in place before unlinking from the
		// index, so a crash between these two steps still leaves a
		// consistent on-disk tombstone recoverable by internal/slab.Scan.
		nextFreeHint := s.LastSlot() // advisory until added to the freelist
		buf := make([]byte, s.ItemSize())
		slab.EncodeTombstone(buf, rdt, nextFreeHint)
		w.writeRawAsync(s, e.Slot, buf, func(err error) {
			if err != nil {
				fatalf("tombstone write failed", err)
			}
			oldClass, oldSlot, oldRDT := e.Class, e.Slot, e.Raw()
			w.Index.Remove(key)
			w.obsoleteOldSlot(key, oldValue, oldClass, oldSlot, oldRDT, rdt)
			r.Continuation.invoke(&Result{Allowed: true})
		})
	})
}

// obsoleteOldSlot routes a superseded slot either to the GC ring (if some
// active transaction might still need the pre-image) or straight to the
// slab free list, and pushes the pre-image to any registered long scan
// whose snapshot could still observe it (spec §4.7 push propagation).
func (w *Worker) obsoleteOldSlot(key, preImageValue []byte, class int, slotIdx int64, oldRDT, newRDT uint64) {
	w.Propagation.Propagate(w.ID, key, preImageValue, oldRDT)
	if w.Registry.MinActiveSnapshot() < newRDT {
		if err := w.GC.ObsoleteSlot(slab.Slot{Class: class, Index: slotIdx}, newRDT); err != nil {
			fatalf("gc ring exhausted", err)
		}
		return
	}
	s := w.Store.Slab(class)
	s.AddToPartiallyFreed(slotIdx, newRDT)
}

func (w *Worker) doRead(r *Request) {
	if r.Txn != nil {
		// spec §4.6 trans_read: write-buffer first, else a plain READ
		// against this worker's index under the transaction's snapshot.
		value, found, err := r.Txn.Read(w.Index, w, r.Key)
		r.Continuation.invoke(&Result{Allowed: err == nil, Present: found, Value: value, Err: err})
		return
	}
	e, allowed := w.Index.Lookup(r.Key, w.snapshotFor(r))
	if !allowed || e == nil {
		r.Continuation.invoke(&Result{Allowed: false})
		return
	}
	value, err := w.ReadItem(e)
	r.Continuation.invoke(&Result{Allowed: true, Present: true, Value: value, Err: err})
}

// doTxnWrite implements spec §4.6's trans_write: buffer cache hit updates in
// place, otherwise a LOCK against this worker's index followed by a
// buffered write with FLAG_WRITE.
func (w *Worker) doTxnWrite(r *Request) {
	err := r.Txn.Write(w.Index, r.Key, r.Value)
	r.Continuation.invoke(&Result{Allowed: err == nil, Err: err})
}

// doTxnDelete is trans_write's tombstone-with-MVCC variant (SPEC_FULL.md
// Open Question #2).
func (w *Worker) doTxnDelete(r *Request) {
	err := r.Txn.Delete(w.Index, r.Key)
	r.Continuation.invoke(&Result{Allowed: err == nil, Err: err})
}

func (w *Worker) doReadNoLookup(r *Request) {
	// READ_NO_LOOKUP's actual work (resolve a value from a known (slab,
	// slot) locator, skipping the index) is Worker.readItemAsync, called
	// in-process by doUpdate/doDelete/Apply on this same goroutine, and by
	// doReadNextBatch through the synchronous ReadItem facade; nothing
	// ever needs to round-trip it through the request queue, so this
	// Action is never queued. Kept representable in the dispatcher for
	// completeness with spec.md §6's action list, the same as Map and
	// EndTransactionCommit.
	r.Continuation.invoke(&Result{Err: errors.New("kvell: READ_NO_LOOKUP is realized by Worker.ReadItem in-process, not dispatched as a queued action")})
}

func (w *Worker) doLock(r *Request) {
	snapshot := r.Txn.Snapshot
	e, present, allowed := w.Index.LookupAndLock(r.Key, snapshot)
	_ = e
	r.Continuation.invoke(&Result{Present: present, Allowed: allowed})
}

func (w *Worker) doRevert(r *Request) {
	w.Index.Revert(r.Key)
	r.Continuation.invoke(&Result{Allowed: true})
}

// doReadNextBatch drives one pull-side batch of spec §4.7's OLCP scan for
// r.ScanID, delivering matches through the LongScan's own OnItem callback
// and reporting Ended once this worker's local walk has passed its
// max_next_key. READ_NEXT and READ_NEXT_BATCH share this path: the only
// difference spec.md draws between them is batch width, which the scan
// itself already fixes at construction (BatchSize).
func (w *Worker) doReadNextBatch(r *Request) {
	l, ok := w.scans[r.ScanID]
	if !ok {
		r.Continuation.invoke(&Result{Err: fmt.Errorf("kvell: unknown scan id %d", r.ScanID)})
		return
	}
	if err := l.RunPullBatch(w.ID, w.Index, w); err != nil {
		fatalf("long scan pull batch failed", err)
	}
	ended := l.Shard(w.ID) == nil || l.Shard(w.ID).Ended
	if ended {
		w.UnregisterScan(r.ScanID)
	}
	r.Continuation.invoke(&Result{Allowed: true, Ended: ended})
}

// doStartTransactionCommit drives spec §4.6's commit path for r.Txn,
// using this worker itself as the txn.Sink (txnsink.go) since the log
// record, applies, and end marker all live in this worker's own files.
func (w *Worker) doStartTransactionCommit(r *Request) {
	txn.Commit(r.Txn, w.Registry, w, func() {
		r.Continuation.invoke(&Result{Allowed: r.Txn.State == txn.Committed})
	})
}

// doEndTransactionCommit exists so the Action is representable in the
// dispatcher, but END_TRANSACTION_COMMIT is never queued directly by a
// caller: txn.Commit already issues it as the last step of the commit
// path above, against this worker's Sink.EndCommit.
func (w *Worker) doEndTransactionCommit(r *Request) {
	r.Continuation.invoke(&Result{Err: errors.New("kvell: END_TRANSACTION_COMMIT is driven internally by txn.Commit, not queued directly")})
}

// doMap exists for the same reason: MAP is the long scan's own per-item
// callback (spec's map_fct, internal/scan.OnItem), invoked inline from
// doReadNextBatch/propagate.go rather than dispatched as a standalone
// queued action.
func (w *Worker) doMap(r *Request) {
	r.Continuation.invoke(&Result{Err: errors.New("kvell: MAP is the long scan's OnItem callback, not a queued action")})
}
