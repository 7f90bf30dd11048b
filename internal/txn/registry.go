package txn

// registry.go groups the engine-wide mutable state spec §9's REDESIGN FLAG
// calls out explicitly: the global clock, the active-transaction ring, and
// the in-commit priority queue. Rather than package-level globals, they
// live on a Registry value the caller constructs once and threads through
// every worker and transaction (spec §4.6, §5).
//
// © 2025 kvell authors. MIT License.

import (
	"container/heap"
	"sync"
	"sync/atomic"
)

// Clock is the monotonic, globally unique timestamp source every write
// draws a fresh rdt from via fetch-and-add (spec §5).
type Clock struct {
	v atomic.Uint64
}

// Next returns the next timestamp, advancing the clock.
func (c *Clock) Next() uint64 { return c.v.Add(1) }

// Load returns the current value without advancing it.
func (c *Clock) Load() uint64 { return c.v.Load() }

// Advance bumps the clock to at least v, used by recovery to seed it past
// the maximum rdt observed on disk (spec §4.3).
func (c *Clock) Advance(v uint64) {
	for {
		cur := c.v.Load()
		if v <= cur || c.v.CompareAndSwap(cur, v) {
			return
		}
	}
}

// commitHeap is a min-heap of in-commit transaction timestamps, used to
// compute min_in_commit for snapshot assignment (spec §4.6).
type commitHeap []uint64

func (h commitHeap) Len() int            { return len(h) }
func (h commitHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h commitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *commitHeap) Push(x interface{}) { *h = append(*h, x.(uint64)) }
func (h *commitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// ErrTooManyTransactions is Fatal per spec §7 ("exceeded maximum parallel
// transactions").
type ErrTooManyTransactions struct{}

func (*ErrTooManyTransactions) Error() string {
	return "kvell: exceeded maximum parallel transactions"
}

// Registry holds the process-wide transaction bookkeeping: the clock, the
// active-transaction ring (fixed capacity, insert-at-tail /
// shift-remove-on-completion per spec §4.6), and the in-commit priority
// queue. A coarse mutex guards the ring and heap, held only briefly, per
// spec §5's locking discipline.
type Registry struct {
	Clock Clock

	mu       sync.Mutex
	active   []*Transaction // ring, ordered by insertion
	maxActive int
	inCommit commitHeap
	nextID   atomic.Uint64
}

// NewRegistry constructs a registry whose active-transaction ring holds at
// most maxActive concurrent transactions.
func NewRegistry(maxActive int) *Registry {
	r := &Registry{maxActive: maxActive}
	heap.Init(&r.inCommit)
	return r
}

// Begin allocates a new transaction id and snapshot, inserts it into the
// active ring, and returns the constructed Transaction. Snapshot assignment
// follows spec §4.6: min(global_clock, min_in_commit), freezing out writes
// that have started committing but are not yet fully applied.
func (r *Registry) Begin(typ Type) (*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.active) >= r.maxActive {
		return nil, &ErrTooManyTransactions{}
	}
	id := r.nextID.Add(1)
	snapshot := r.Clock.Load()
	if len(r.inCommit) > 0 && r.inCommit[0] < snapshot {
		snapshot = r.inCommit[0]
	}
	t := New(id, snapshot, typ)
	r.active = append(r.active, t)
	return t, nil
}

// End removes a transaction from the active ring once it reaches a
// terminal state (Committed or Aborted).
func (r *Registry) End(t *Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cand := range r.active {
		if cand == t {
			r.active = append(r.active[:i], r.active[i+1:]...)
			return
		}
	}
}

// MinActiveSnapshot returns the minimum snapshot across all active
// transactions, the GC's reclamation watermark (spec §4.5). Returns the
// current clock value if no transaction is active.
func (r *Registry) MinActiveSnapshot() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	min := r.Clock.Load()
	for _, t := range r.active {
		s := t.Snapshot
		if s < min {
			min = s
		}
	}
	return min
}

// EnterCommit allocates a fresh commit timestamp from the clock and
// registers it on the in-commit priority queue, returning the timestamp.
func (r *Registry) EnterCommit() uint64 {
	ts := r.Clock.Next()
	r.mu.Lock()
	heap.Push(&r.inCommit, ts)
	r.mu.Unlock()
	return ts
}

// LeaveCommit removes ts from the in-commit priority queue once its
// transaction's commit has fully applied (spec §4.6 "unregister the
// transaction from the in-commit queue").
func (r *Registry) LeaveCommit(ts uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, v := range r.inCommit {
		if v == ts {
			heap.Remove(&r.inCommit, i)
			return
		}
	}
}

// MinInCommit returns the smallest in-commit timestamp, or the current
// clock value if none is in commit.
func (r *Registry) MinInCommit() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.inCommit) == 0 {
		return r.Clock.Load()
	}
	return r.inCommit[0]
}

// ActiveCount reports the number of transactions currently tracked, used by
// the metrics sink (SPEC_FULL.md's ambient metrics gauge).
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
