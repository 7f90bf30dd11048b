package scan

// propagate.go implements spec §4.7's push mechanism: when a writer on some
// shard overwrites a value whose pre-image is still visible to an active
// long scan but whose slot is about to be reused, the writer pushes the
// pre-image directly to every registered scan instead of relying on the
// scan's own walk to find it later.
//
// © 2025 kvell authors. MIT License.

import "bytes"

// Processability classifies a propagated key against one shard's walk
// position, per spec §4.7's is_processable discriminator.
type Processability int

const (
	// Before means the shard's local walk has already passed this key.
	// Propagate still delivers the pre-image if the scan has not seen the
	// key; a key already delivered is suppressed by the seen set.
	Before Processability = iota
	// InBatch means the key falls within the shard's pending walk range:
	// the scan has not reached it yet but will, so the pre-image must be
	// delivered now before the slot holding it is reused.
	InBatch
	// Beyond means the key is past the scan's upper bound for this shard
	// and is not part of the scan at all.
	Beyond
)

// Processability reports where key falls relative to workerID's current
// walk window.
func (l *LongScan) Processability(workerID int, key []byte) Processability {
	ss := l.Shard(workerID)
	if ss == nil {
		return Beyond
	}
	if bytes.Compare(key, ss.MaxNextKey) >= 0 {
		return Beyond
	}
	if bytes.Compare(key, ss.NextKey) <= 0 {
		return Before
	}
	return InBatch
}

// Propagate delivers a pre-image to this scan if it is one the scan could
// have observed (preImageRDT <= Snapshot) and has not already delivered.
// Called by internal/worker whenever an UPDATE/DELETE on workerID
// supersedes a value some active long scan might still need (spec §4.7:
// "the writer invokes each active long transaction's map_callback with the
// pre-image"). Returns true if the pre-image was delivered.
func (l *LongScan) Propagate(workerID int, key, preImageValue []byte, preImageRDT uint64) bool {
	if preImageRDT > l.Snapshot {
		return false // the scan's snapshot predates this version; nothing to do
	}
	switch l.Processability(workerID, key) {
	case Beyond:
		return false
	case Before:
		// The walk has already passed this key on this shard. If the scan
		// already delivered a version of it via pull, markSeen below is a
		// no-op; if it somehow never saw it (a race between the walk
		// advancing and this propagation), deliver it now rather than
		// silently dropping a version the scan was entitled to observe.
	}
	if !l.markSeen(key) {
		return false
	}
	l.onItem(workerID, key, preImageValue)
	return true
}

// List is the per-worker set of long scans currently registered to receive
// push propagation, spec §3's "propagation list for long scans".
type List struct {
	scans []*LongScan
}

// NewList constructs an empty propagation list.
func NewList() *List { return &List{} }

// Register adds a scan to the list.
func (p *List) Register(l *LongScan) { p.scans = append(p.scans, l) }

// Unregister removes a scan once it has committed (fast path, per spec
// §4.7's termination protocol).
func (p *List) Unregister(l *LongScan) {
	for i, s := range p.scans {
		if s == l {
			p.scans = append(p.scans[:i], p.scans[i+1:]...)
			return
		}
	}
}

// Propagate offers a pre-image to every registered scan for workerID.
func (p *List) Propagate(workerID int, key, preImageValue []byte, preImageRDT uint64) {
	for _, s := range p.scans {
		s.Propagate(workerID, key, preImageValue, preImageRDT)
	}
}

// Len reports how many scans are currently registered.
func (p *List) Len() int { return len(p.scans) }
