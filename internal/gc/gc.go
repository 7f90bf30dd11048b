// Package gc implements the per-worker garbage collector described in
// spec §4.5: a bounded ring buffer of obsoleted (slab, slot, rdt) locations
// awaiting the point at which no active transaction can still observe them,
// at which point they are returned to the slab's free list.
//
// Grounded on the teacher's internal/genring ring-of-generations buffer,
// generalised from generation counters to the engine's rdt/snapshot
// vocabulary: pushing an obsoleted slot is a generation advance, and
// draining up to a watermark is the teacher's reclaim sweep.
//
// © 2025 kvell authors. MIT License.
package gc

import (
	"go.uber.org/zap"

	"github.com/kvellstore/kvell/internal/slab"
)

// MaxElements bounds the ring's resident size (spec §4.5's
// MAXIMUM_GC_ELEMENTS). Overflowing it is classified Fatal per spec §7/§9's
// Open Question resolution: silently evicting the oldest obsoleted entry
// would let a long-running OLCP scan observe a slot that has already been
// reused, corrupting a read it believed was still consistent.
const MaxElements = 1 << 16

// ErrRingFull is returned by Push when the ring is at MaxElements capacity.
// Per spec §7 this must be treated as Fatal by the caller, not retried.
var ErrRingFull = &RingFullError{}

// RingFullError reports that the GC ring reached MaxElements.
type RingFullError struct{}

func (*RingFullError) Error() string {
	return "kvell: gc ring buffer full, cannot obsolete further entries"
}

// Obsoleted is one entry awaiting reclamation: the slot that was freed, the
// rdt of the write that freed it (the timestamp after which no reader can
// need the old contents), and the worker-local slab it belongs to.
type Obsoleted struct {
	Class int
	Slot  int64
	RDT   uint64
}

// Ring is a per-worker FIFO of Obsoleted entries, draining oldest-first as
// the minimum active snapshot advances past each entry's rdt.
type Ring struct {
	buf    []Obsoleted
	head   int // next to drain
	tail   int // next free write position
	count  int
	logger *zap.Logger
}

// New constructs an empty ring with capacity MaxElements.
func New(logger *zap.Logger) *Ring {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ring{buf: make([]Obsoleted, MaxElements), logger: logger}
}

// Len returns the number of entries currently resident.
func (r *Ring) Len() int { return r.count }

// Push records a newly obsoleted slot. It returns ErrRingFull (Fatal, per
// spec §7) if the ring has no room left.
func (r *Ring) Push(o Obsoleted) error {
	if r.count == len(r.buf) {
		return ErrRingFull
	}
	r.buf[r.tail] = o
	r.tail = (r.tail + 1) % len(r.buf)
	r.count++
	return nil
}

// ReapTarget frees a slot once it is drained; the caller (worker dispatch)
// supplies a function that returns the slot to its slab's free list.
type ReapTarget func(class int, slot int64, rdt uint64)

// DrainBelow reaps up to maxCount entries whose rdt is strictly less than
// minActiveSnapshot, in FIFO order, stopping at whichever comes first: the
// maxCount bound (spec §6 MAX_CLEANING_OP_PER_ROUND — entries beyond it stay
// queued for the next round rather than being dropped) or the first entry
// still potentially visible to an active transaction (spec §4.5: the ring is
// ordered by obsoletion time, so the first survivor implies all subsequent
// ones also survive). maxCount <= 0 means unbounded. Returns the number of
// entries reaped.
func (r *Ring) DrainBelow(minActiveSnapshot uint64, maxCount int, reap ReapTarget) int {
	n := 0
	for r.count > 0 && (maxCount <= 0 || n < maxCount) {
		o := r.buf[r.head]
		if o.RDT >= minActiveSnapshot {
			break
		}
		reap(o.Class, o.Slot, o.RDT)
		r.head = (r.head + 1) % len(r.buf)
		r.count--
		n++
	}
	if n > 0 {
		r.logger.Debug("gc drained", zap.Int("count", n), zap.Uint64("watermark", minActiveSnapshot))
	}
	return n
}

// ObsoleteSlot is the convenience entry point used by worker dispatch after
// an UPDATE/UPDATE_IN_PLACE/DELETE action frees a slab slot still possibly
// needed by an older OLCP snapshot (spec §4.5 "move old slot from primary
// index to the GC ring rather than the slab free list directly").
func (r *Ring) ObsoleteSlot(loc slab.Slot, rdt uint64) error {
	return r.Push(Obsoleted{Class: loc.Class, Slot: loc.Index, RDT: rdt})
}
