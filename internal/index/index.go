// Package index implements the per-worker in-memory primary index and MVCC
// chain map described in spec §4.4: an ordered map from a 64-bit key prefix
// to a primary locator (slab, slot) plus a flags-and-timestamp word, and a
// parallel per-key map of superseded versions for snapshot isolation.
//
// Per the REDESIGN FLAG in spec §9, prefix collisions are not a fatal
// condition here: each bucket holds a short chain of Entries distinguished
// by their full stored key, instead of the original C source's "compare and
// die on mismatch" behaviour.
//
// Ownership: exclusively owned by one worker; no synchronisation is done
// inside this package, matching the single-goroutine-owner discipline the
// rest of the engine follows.
//
// © 2025 kvell authors. MIT License.
package index

import (
	"bytes"
	"sort"

	"github.com/kvellstore/kvell/internal/slab"
)

// Flag bits folded into Entry.RDT, re-exported from internal/slab where the
// on-disk header constants live (spec §3: "Two flag bits in rdt: LOCKED and
// NEW-INDEX").
const (
	FlagLocked   = slab.FlagLocked
	FlagNewIndex = slab.FlagNewIndex
	RDTMask      = slab.RDTMask
)

// NullClass marks a primary-index entry with no backing slab slot: either a
// reservation (a promised, not-yet-materialised key) or a fake MVCC
// placeholder.
const NullClass = -1

// Entry is the compact primary-index record (spec §3 "Primary index
// entry"). A present item carries Class/Slot pointing at its slab slot; a
// reservation carries Class == NullClass and TxnID set to the owning
// transaction.
type Entry struct {
	Prefix uint64
	Key    []byte // full key; used to disambiguate prefix collisions
	Class  int
	Slot   int64
	RDT    uint64 // low 62 bits are the timestamp; high 2 bits are flags
	TxnID  uint64 // valid for reservations (Class == NullClass, !Fake)
	Fake   bool   // phantom MVCC version, never a live primary entry

	collisionNext *Entry
}

// Raw returns the timestamp portion of RDT with flag bits masked off.
func (e *Entry) Raw() uint64 { return e.RDT & RDTMask }

// Locked reports whether some transaction holds the write latch on this
// entry.
func (e *Entry) Locked() bool { return e.RDT&FlagLocked != 0 }

// Present reports whether the entry has a materialised slab location.
func (e *Entry) Present() bool { return e.Class != NullClass }

// RecoveredFromDisk reports whether this entry was rebuilt by startup
// recovery (internal/recovery) and has not yet been touched by a live
// Update/UpdateInPlace since. Update and UpdateInPlace overwrite RDT with a
// flag-less timestamp, so the flag clears itself the first time the key is
// written again after recovery.
func (e *Entry) RecoveredFromDisk() bool { return e.RDT&FlagNewIndex != 0 }

func (e *Entry) setLocked(v bool) {
	if v {
		e.RDT |= FlagLocked
	} else {
		e.RDT &^= FlagLocked
	}
}

// clone returns a value copy of e suitable for pushing into an MVCC chain;
// the collision chain pointer is deliberately not carried over since chain
// snapshots are standalone historical records, not live bucket entries.
func (e *Entry) clone() *Entry {
	c := *e
	c.collisionNext = nil
	return &c
}

// Chain is the per-key MVCC version list (spec §3 "MVCC chain entry").
type Chain struct {
	Versions   []*Entry
	CurrentRDT uint64
}

// Index is the per-worker ordered primary index plus MVCC chain map.
type Index struct {
	buckets map[uint64]*Entry
	order   []uint64 // sorted, de-duplicated bucket prefixes
	chains  map[uint64]*Chain
}

// New constructs an empty index.
func New() *Index {
	return &Index{
		buckets: make(map[uint64]*Entry),
		chains:  make(map[uint64]*Chain),
	}
}

// Len returns the number of distinct keys currently indexed (including
// collision-chained entries).
func (ix *Index) Len() int {
	n := 0
	for _, head := range ix.buckets {
		for e := head; e != nil; e = e.collisionNext {
			n++
		}
	}
	return n
}

func (ix *Index) insertOrder(prefix uint64) {
	i := sort.Search(len(ix.order), func(i int) bool { return ix.order[i] >= prefix })
	if i < len(ix.order) && ix.order[i] == prefix {
		return
	}
	ix.order = append(ix.order, 0)
	copy(ix.order[i+1:], ix.order[i:])
	ix.order[i] = prefix
}

func (ix *Index) removeOrderIfEmpty(prefix uint64) {
	if _, ok := ix.buckets[prefix]; ok {
		return
	}
	i := sort.Search(len(ix.order), func(i int) bool { return ix.order[i] >= prefix })
	if i < len(ix.order) && ix.order[i] == prefix {
		ix.order = append(ix.order[:i], ix.order[i+1:]...)
	}
}

// find locates the entry for key's exact bytes, walking the collision chain.
func (ix *Index) find(key []byte) *Entry {
	prefix := Prefix(key)
	for e := ix.buckets[prefix]; e != nil; e = e.collisionNext {
		if bytes.Equal(e.Key, key) {
			return e
		}
	}
	return nil
}

// linkEntry inserts e as the new head of its prefix's collision chain.
func (ix *Index) linkEntry(e *Entry) {
	e.collisionNext = ix.buckets[e.Prefix]
	ix.buckets[e.Prefix] = e
	ix.insertOrder(e.Prefix)
}

// unlinkEntry removes e from its prefix's collision chain.
func (ix *Index) unlinkEntry(e *Entry) {
	head := ix.buckets[e.Prefix]
	if head == e {
		if e.collisionNext != nil {
			ix.buckets[e.Prefix] = e.collisionNext
		} else {
			delete(ix.buckets, e.Prefix)
		}
		ix.removeOrderIfEmpty(e.Prefix)
		return
	}
	for cur := head; cur != nil; cur = cur.collisionNext {
		if cur.collisionNext == e {
			cur.collisionNext = e.collisionNext
			return
		}
	}
}

/* -------------------------------------------------------------------------
   Mutation: ADD / UPDATE / UPDATE_IN_PLACE / DELETE
   ------------------------------------------------------------------------- */

// Add inserts a brand-new primary entry for key. Callers must have already
// verified no entry exists (spec §7: duplicate ADD is Fatal); this method
// simply panics if one is found, matching that classification.
func (ix *Index) Add(key []byte, class int, slotIdx int64, rdt uint64) *Entry {
	if ix.find(key) != nil {
		panic("kvell: duplicate ADD for key already present in index")
	}
	e := &Entry{Prefix: Prefix(key), Key: append([]byte(nil), key...), Class: class, Slot: slotIdx, RDT: rdt}
	ix.linkEntry(e)
	return e
}

// Update supersedes the current entry's location, optionally keeping the old
// version reachable via the MVCC chain for readers with older snapshots. The
// caller (worker dispatch, §4.8) is responsible for moving the old slot to
// the GC/freelist once the chain push (if any) has captured it.
func (ix *Index) Update(key []byte, class int, slotIdx int64, rdt uint64) *Entry {
	e := ix.find(key)
	if e == nil {
		return nil
	}
	e.Class, e.Slot = class, slotIdx
	e.RDT = rdt
	return e
}

// UpdateInPlace rewrites rdt without changing the slab location (used when
// the new value still fits the existing slot, spec §6 UPDATE_IN_PLACE).
func (ix *Index) UpdateInPlace(key []byte, rdt uint64) *Entry {
	e := ix.find(key)
	if e == nil {
		return nil
	}
	e.RDT = rdt
	return e
}

// Remove deletes the live primary entry for key entirely (a DELETE/
// tombstone action; spec §3 lifecycle: "tombstoned by a DELETE"). Returns
// the removed entry so the caller can free its slab slot.
func (ix *Index) Remove(key []byte) *Entry {
	e := ix.find(key)
	if e == nil {
		return nil
	}
	ix.unlinkEntry(e)
	return e
}

// MarkRecovered sets the NEW-INDEX flag on key's entry, called by
// internal/recovery once per item reinserted from an on-disk slab scan so
// RecoveredCount can report how much of the working set is still unverified
// by live traffic since the last restart.
func (ix *Index) MarkRecovered(key []byte) {
	e := ix.find(key)
	if e == nil {
		return
	}
	e.RDT |= FlagNewIndex
}

// RecoveredCount returns the number of entries still carrying the NEW-INDEX
// flag: keys rebuilt by startup recovery that have not been written since.
func (ix *Index) RecoveredCount() int {
	n := 0
	for _, head := range ix.buckets {
		for e := head; e != nil; e = e.collisionNext {
			if e.RecoveredFromDisk() {
				n++
			}
		}
	}
	return n
}

/* -------------------------------------------------------------------------
   Reservations (spec §4.4 reserve / revert)
   ------------------------------------------------------------------------- */

// Reserve inserts a locked entry with a null slab — a promise that txnID
// will materialise key.
func (ix *Index) Reserve(key []byte, txnID uint64) *Entry {
	e := &Entry{Prefix: Prefix(key), Key: append([]byte(nil), key...), Class: NullClass, TxnID: txnID, RDT: FlagLocked}
	ix.linkEntry(e)
	return e
}

// Revert undoes a write attempt on abort: a pure reservation (null slab) is
// removed outright; anything else is simply unlocked.
func (ix *Index) Revert(key []byte) {
	e := ix.find(key)
	if e == nil {
		return
	}
	if e.Class == NullClass && !e.Fake {
		ix.unlinkEntry(e)
		return
	}
	e.setLocked(false)
}

/* -------------------------------------------------------------------------
   Lookup / permission matrix (spec §4.4 table)
   ------------------------------------------------------------------------- */

// Lookup implements spec §4.4's lookup(key, snapshot): resolve the primary
// entry, honouring the READ permission rules, falling back to the MVCC
// chain for a version visible at snapshot.
//
// snapshot < 0 means "no transaction" (a bare READ): the entry must be
// present and unlocked.
func (ix *Index) Lookup(key []byte, snapshot int64) (e *Entry, allowed bool) {
	cur := ix.find(key)
	if cur != nil && ix.readableDirect(cur, snapshot) {
		return cur, true
	}
	if snapshot < 0 {
		return nil, false
	}
	return ix.lookupChain(Prefix(key), uint64(snapshot))
}

// readableDirect applies the READ rows of spec §4.4's permission table to
// the live primary entry.
func (ix *Index) readableDirect(e *Entry, snapshot int64) bool {
	if !e.Present() {
		return false
	}
	if snapshot < 0 {
		return !e.Locked()
	}
	return e.Raw() <= uint64(snapshot)
}

// lookupChain finds the highest MVCC version at prefix whose rdt <= snapshot
// and whose slab is non-null, per spec §4.4's fallback rule.
func (ix *Index) lookupChain(prefix uint64, snapshot uint64) (*Entry, bool) {
	chain := ix.chains[prefix]
	if chain == nil {
		return nil, false
	}
	for i := len(chain.Versions) - 1; i >= 0; i-- {
		v := chain.Versions[i]
		if v.Raw() > snapshot {
			continue
		}
		if v.Fake || v.Class == NullClass {
			// A reader landing on a fake placeholder must see nothing: the
			// true version at this point was not retained (spec §4.4: "must
			// return nothing").
			return nil, false
		}
		return v, true
	}
	return nil, false
}

// LookupNext implements lookup_next: the strict successor of key, visible at
// snapshot, skipping entries the reader may not observe.
func (ix *Index) LookupNext(key []byte, snapshot int64) (e *Entry, foundKey []byte, allowed bool) {
	res, keys := ix.LookupNextBatch(key, snapshot, 1)
	if len(res) == 0 {
		return nil, nil, false
	}
	return res[0], keys[0], true
}

// LookupNextBatch implements lookup_next_batch: up to n successors of key in
// ascending order, each individually snapshot-filtered.
func (ix *Index) LookupNextBatch(key []byte, snapshot int64, n int) ([]*Entry, [][]byte) {
	if n <= 0 {
		return nil, nil
	}
	startPrefix := Prefix(key)
	i := sort.Search(len(ix.order), func(i int) bool { return ix.order[i] >= startPrefix })

	var entries []*Entry
	var keys [][]byte

	for ; i < len(ix.order) && len(entries) < n; i++ {
		prefix := ix.order[i]
		for e := ix.buckets[prefix]; e != nil; e = e.collisionNext {
			if prefix == startPrefix && bytes.Compare(e.Key, key) <= 0 {
				continue
			}
			if !ix.readableDirect(e, snapshot) {
				continue
			}
			entries = append(entries, e)
			keys = append(keys, e.Key)
			if len(entries) >= n {
				break
			}
		}
	}
	return entries, keys
}

/* -------------------------------------------------------------------------
   Write intent: lookup_and_lock (spec §4.4 WRITE row)
   ------------------------------------------------------------------------- */

// LookupAndLock implements lookup_and_lock: resolve key for write intent;
// on success, sets the LOCKED bit. Allowed iff not already locked and
// rdt(e) <= snapshot.
func (ix *Index) LookupAndLock(key []byte, snapshot uint64) (e *Entry, present bool, allowed bool) {
	cur := ix.find(key)
	if cur == nil {
		return nil, false, true // absent key is always lockable (first writer wins the reservation)
	}
	if cur.Locked() || cur.Raw() > snapshot {
		return cur, true, false
	}
	cur.setLocked(true)
	return cur, true, true
}

// Unlock clears the LOCKED bit on a present entry, panicking if it was never
// locked (spec §7: "unlocking a never-locked entry" is Fatal).
func (ix *Index) Unlock(key []byte) {
	e := ix.find(key)
	if e == nil || !e.Locked() {
		panic("kvell: unlocking a never-locked entry")
	}
	e.setLocked(false)
}

/* -------------------------------------------------------------------------
   MVCC chain maintenance (spec §4.4 snapshot_version / clean_specific /
   clean_up_to)
   ------------------------------------------------------------------------- */

// SnapshotVersion pushes the current primary entry for key into its MVCC
// chain before the caller overwrites it, implementing spec §4.4's
// snapshot_version. If the chain's last known current_rdt differs from the
// entry's rdt (meaning a version was skipped without being recorded), a fake
// placeholder is inserted first so later readers cannot accidentally observe
// the skipped version.
func (ix *Index) SnapshotVersion(key []byte, newRDT uint64) {
	e := ix.find(key)
	if e == nil {
		return
	}
	prefix := e.Prefix
	chain := ix.chains[prefix]
	if chain == nil {
		chain = &Chain{}
		ix.chains[prefix] = chain
	}
	if len(chain.Versions) > 0 && chain.CurrentRDT != e.Raw() {
		chain.Versions = append(chain.Versions, &Entry{Prefix: prefix, Key: e.Key, Class: NullClass, RDT: chain.CurrentRDT, Fake: true})
	}
	chain.Versions = append(chain.Versions, e.clone())
	chain.CurrentRDT = newRDT
}

// CleanSpecific reaps the MVCC version matching rdt exactly, implementing
// clean_specific. A fake placeholder is left behind when removing the
// version would otherwise let a scan observe an unrelated older neighbour.
func (ix *Index) CleanSpecific(prefix uint64, rdt uint64) {
	chain := ix.chains[prefix]
	if chain == nil {
		return
	}
	for i, v := range chain.Versions {
		if v.Raw() == rdt && !v.Fake {
			chain.Versions[i] = &Entry{Prefix: prefix, Key: v.Key, Class: NullClass, RDT: rdt, Fake: true}
			return
		}
	}
}

// CleanUpTo reaps every MVCC version for prefix whose successor's rdt is
// strictly below minActiveSnapshot — i.e. every version except the last one
// still possibly needed by an active snapshot — implementing clean_up_to.
// Returns the reaped (slab, slot) locations so the caller can free them.
func (ix *Index) CleanUpTo(prefix uint64, minActiveSnapshot uint64) []Entry {
	chain := ix.chains[prefix]
	if chain == nil || len(chain.Versions) == 0 {
		return nil
	}
	var freed []Entry
	kept := chain.Versions[:0] // safe to reuse: we only ever write at an index <= the read index
	for i, v := range chain.Versions {
		var successorRDT uint64
		if i+1 < len(chain.Versions) {
			successorRDT = chain.Versions[i+1].Raw()
		} else {
			successorRDT = chain.CurrentRDT
		}
		if successorRDT < minActiveSnapshot {
			if !v.Fake && v.Class != NullClass {
				freed = append(freed, *v)
			}
			continue
		}
		kept = append(kept, v)
	}
	chain.Versions = kept
	if len(chain.Versions) == 0 {
		delete(ix.chains, prefix)
	}
	return freed
}

// Chain exposes a key's MVCC chain for scan/propagation consumers
// (internal/scan), read-only.
func (ix *Index) Chain(prefix uint64) *Chain { return ix.chains[prefix] }

// Find exposes exact-key lookup without snapshot filtering, used by
// internal/worker's dispatch for actions that need the raw current entry
// (e.g. END_TRANSACTION_COMMIT's rdt(e)==txn_id_on_disk check, spec §4.4).
func (ix *Index) Find(key []byte) *Entry { return ix.find(key) }
