package slab

// freelist.go tracks tombstoned slots available for reuse within one slab.
// Grounded on the original KVell freelist.c (a singly linked chain of freed
// slot indices threaded through the tombstone header's value_size field) and
// restructured as a plain in-memory slice-backed stack for the "soft cap on
// resident free-list entries" knob (FREELIST_IN_MEMORY_ITEMS, spec §6): once
// the resident list would exceed the cap, older entries are simply not kept
// in memory. A dropped slot is found again only by the next recovery scan,
// and only if its on-disk header is a tombstone; no other pass looks for it.
//
// © 2025 kvell authors. MIT License.

// freeNode is one entry in the partially-freed list: the freed slot index and
// the rdt of the write that tombstoned it (needed by OLCP push propagation,
// spec §4.7, to recognise which pre-image must still be delivered to long
// scans before the slot is recycled).
type freeNode struct {
	slot int64
	rdt  uint64
}

// FreeList is a LIFO stack of freed slots, capped in memory by MaxResident.
type FreeList struct {
	nodes []freeNode
	// MaxResident bounds how many entries are kept in memory (spec §6
	// FREELIST_IN_MEMORY_ITEMS). Zero means unbounded.
	MaxResident int
}

// NewFreeList constructs an empty free list.
func NewFreeList() *FreeList {
	return &FreeList{}
}

// Push prepends a freed slot to the list. When the list is already at
// MaxResident, the oldest entry is dropped rather than growing unbounded.
// The next recovery scan adds the dropped slot back only if its on-disk
// header is a tombstone (slots freed by DELETE or by the commit-log end
// marker); a slot freed after an UPDATE still holds its superseded item and
// is not added back.
func (l *FreeList) Push(slot int64, rdt uint64) {
	l.nodes = append(l.nodes, freeNode{slot: slot, rdt: rdt})
	if l.MaxResident > 0 && len(l.nodes) > l.MaxResident {
		// Drop the oldest (front) entry; LIFO semantics are preserved for
		// Pop, which always takes from the back.
		l.nodes = l.nodes[1:]
	}
}

// Pop removes and returns the most recently freed slot, if any.
func (l *FreeList) Pop() (slot int64, rdt uint64, ok bool) {
	n := len(l.nodes)
	if n == 0 {
		return 0, 0, false
	}
	node := l.nodes[n-1]
	l.nodes = l.nodes[:n-1]
	return node.slot, node.rdt, true
}

// Len reports the number of resident free-list entries.
func (l *FreeList) Len() int { return len(l.nodes) }
