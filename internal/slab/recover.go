package slab

// recover.go implements the slab rescan half of recovery (spec §4.3, §7):
// scan each slab file in 2 MiB chunks, page by page, slot by slot. An
// all-zero header means unused; a tombstone header is added to the
// partially-freed list; otherwise the item is announced to a recovery
// callback which inserts it into the primary index (resolving duplicates by
// retaining the higher rdt). The maximum observed rdt seeds the global
// clock.
//
// © 2025 kvell authors. MIT License.

const recoveryChunkSize = 2 << 20 // 2 MiB, per spec §4.3

// Announce is invoked once per live item found during recovery. loc is the
// item's on-disk location; ignoredRDTs (supplied by the caller, built from
// the transaction-log scan) marks rdts belonging to partially committed
// transactions that must be skipped entirely (spec §7).
type Announce func(item Item, loc Slot) error

// Scan walks every slot of the slab, feeding live items to announce and
// tombstones into the slab's free list. It returns the maximum rdt observed,
// used to seed the worker's clock (spec §4.3: "Track the maximum observed
// rdt as the initial value for the global clock").
func (s *Slab) Scan(ignoredRDTs map[uint64]struct{}, announce Announce) (maxRDT uint64, err error) {
	size, err := s.file.Size()
	if err != nil {
		return 0, err
	}
	if size%PageSize != 0 {
		return 0, &MalformedRecoveryError{Path: s.file.Path(), Size: size}
	}

	buf := make([]byte, recoveryChunkSize)
	slotsPerPage := s.slotsPerPage
	itemSize := int64(s.itemSize)

	for chunkOff := int64(0); chunkOff < size; chunkOff += recoveryChunkSize {
		chunkLen := int64(recoveryChunkSize)
		if chunkOff+chunkLen > size {
			chunkLen = size - chunkOff
		}
		chunk := buf[:chunkLen]
		if _, err := s.file.ReadAt(chunk, chunkOff); err != nil {
			return maxRDT, err
		}

		pagesInChunk := chunkLen / PageSize
		for p := int64(0); p < pagesInChunk; p++ {
			pageBuf := chunk[p*PageSize : (p+1)*PageSize]
			pageNo := (chunkOff / PageSize) + p
			for slotInPage := int64(0); slotInPage < slotsPerPage; slotInPage++ {
				off := slotInPage * itemSize
				if off+itemSize > PageSize {
					break
				}
				slotBuf := pageBuf[off : off+itemSize]
				h := DecodeHeader(slotBuf)
				slot := pageNo*slotsPerPage + slotInPage

				switch {
				case h.IsUnused():
					continue
				case h.IsTombstone():
					s.freeList.Push(slot, h.RDT)
					if slot >= s.lastSlot {
						s.lastSlot = slot + 1
					}
					if h.RDT > maxRDT {
						maxRDT = h.RDT
					}
				default:
					if _, skip := ignoredRDTs[h.RDT]; skip {
						// Partially committed transaction: treat the slot as
						// if it were still free (spec §7 recovery anomalies).
						s.freeList.Push(slot, h.RDT)
						if slot >= s.lastSlot {
							s.lastSlot = slot + 1
						}
						continue
					}
					item, ok := Decode(slotBuf)
					if !ok {
						continue
					}
					cloned := Item{RDT: item.RDT, Key: append([]byte(nil), item.Key...), Value: append([]byte(nil), item.Value...)}
					if err := announce(cloned, Slot{Class: s.class, Index: slot}); err != nil {
						return maxRDT, err
					}
					s.liveCount++
					if slot >= s.lastSlot {
						s.lastSlot = slot + 1
					}
					if h.RDT > maxRDT {
						maxRDT = h.RDT
					}
				}
			}
		}
	}
	s.sizeOnDisk = size
	return maxRDT, nil
}

// MalformedRecoveryError is Fatal per spec §7: "malformed recovery (file
// size not page-aligned)".
type MalformedRecoveryError struct {
	Path string
	Size int64
}

func (e *MalformedRecoveryError) Error() string {
	return "kvell: malformed slab file " + e.Path + ": size not page-aligned"
}
