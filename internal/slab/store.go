// Package slab implements the per-worker slab store: a family of size-class
// files, each a dense array of fixed-size records, with append-with-resize
// growth and a partially-freed list tracking tombstoned slots (spec §4.3).
//
// Ownership: a Store (and every Slab inside it) is exclusively owned by one
// worker goroutine; callers outside that worker must never touch it, matching
// the "file is only managed by 1 worker" discipline of a sharded ownership
// design, generalised from in-memory shards to on-disk slab files.
//
// © 2025 kvell authors. MIT License.
package slab

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kvellstore/kvell/internal/ioengine"
	"github.com/kvellstore/kvell/internal/unsafehelpers"
)

// PageSize is the fixed page size used throughout the engine (spec §6).
const PageSize = 4096

// SizeClasses is the fixed ascending list of slab size classes (spec §4.3).
var SizeClasses = [...]int{100, 128, 256, 400, 512, 1024, 1365, 2048, 4096}

// ClassFor returns the index into SizeClasses of the smallest class that can
// hold an item of itemSize bytes, or an error if it exceeds the largest
// class.
func ClassFor(itemSize int) (int, error) {
	for i, c := range SizeClasses {
		if itemSize <= c {
			return i, nil
		}
	}
	return 0, ErrItemTooLarge
}

// growth thresholds (spec §4.3 / §6): double while under 10 GiB, then grow by
// fixed 1 GiB increments.
const (
	doublingCeiling = 10 << 30
	growthIncrement = 1 << 30
)

// Slot is a (slab-class, slot-index) locator, the Go analogue of the C
// source's `(slab, slab_idx)` pair.
type Slot struct {
	Class int
	Index int64
}

// Slab owns one size-class file for one worker (spec §3 "Slab").
type Slab struct {
	class        int
	itemSize     int
	file         *ioengine.File
	sizeOnDisk   int64 // bytes currently allocated on disk
	lastSlot     int64 // high-water mark, exclusive
	liveCount    int64
	freeList     *FreeList
	slotsPerPage int64
	logger       *zap.Logger
}

// Store is the set of size-class slabs owned by one worker.
type Store struct {
	workerID int
	dir      string
	slabs    [len(SizeClasses)]*Slab
	logger   *zap.Logger
}

// Open creates or reopens every size-class slab file for a worker under dir,
// following the path convention of spec §6:
// "/scratch{disk}/kvell/slab-{worker}-{size_class}".
func Open(dir string, workerID int, io *ioengine.Engine, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	st := &Store{workerID: workerID, dir: dir, logger: logger}
	for i, class := range SizeClasses {
		path := filepath.Join(dir, fmt.Sprintf("slab-%d-%d", workerID, class))
		f, err := ioengine.OpenFile(path, io)
		if err != nil {
			return nil, fmt.Errorf("kvell: opening slab %s: %w", path, err)
		}
		sz, err := f.Size()
		if err != nil {
			return nil, err
		}
		s := &Slab{
			class:        i,
			itemSize:     class,
			file:         f,
			sizeOnDisk:   sz,
			slotsPerPage: PageSize / int64(class),
			freeList:     NewFreeList(),
			logger:       logger,
		}
		s.lastSlot = sz / int64(class)
		st.slabs[i] = s
	}
	return st, nil
}

// OpenSingle opens one standalone slab file at path with a caller-chosen
// fixed item size, outside the nine standard size classes. Used by
// internal/txn for the commit-log file (spec §6: "Transactions log path:
// /scratch{disk}/kvell/trans-{worker}-{txn_object_size}"), which is
// structurally identical to a slab but sized by TRANSACTION_OBJECT_SIZE
// rather than one of SizeClasses.
func OpenSingle(path string, itemSize int, io *ioengine.Engine, logger *zap.Logger) (*Slab, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := ioengine.OpenFile(path, io)
	if err != nil {
		return nil, fmt.Errorf("kvell: opening slab %s: %w", path, err)
	}
	sz, err := f.Size()
	if err != nil {
		return nil, err
	}
	s := &Slab{
		class:        -1,
		itemSize:     itemSize,
		file:         f,
		sizeOnDisk:   sz,
		slotsPerPage: PageSize / int64(itemSize),
		freeList:     NewFreeList(),
		logger:       logger,
	}
	s.lastSlot = sz / int64(itemSize)
	return s, nil
}

// Slab returns the slab for a given size class index.
func (st *Store) Slab(class int) *Slab { return st.slabs[class] }

// ForClass resolves the slab that should hold an item of itemSize bytes.
func (st *Store) ForClass(itemSize int) (*Slab, error) {
	class, err := ClassFor(itemSize)
	if err != nil {
		return nil, err
	}
	return st.slabs[class], nil
}

// Class returns the slab's size class index into SizeClasses.
func (s *Slab) Class() int { return s.class }

// ItemSize returns the fixed slot size in bytes for this slab.
func (s *Slab) ItemSize() int { return s.itemSize }

// LiveCount returns the number of non-tombstoned records currently tracked.
func (s *Slab) LiveCount() int64 { return s.liveCount }

// LastSlot returns the slab's current high-water mark.
func (s *Slab) LastSlot() int64 { return s.lastSlot }

// PageAndOffset computes the page number and in-page byte offset for a slot
// index, per spec §4.3's slot layout formula.
func (s *Slab) PageAndOffset(slot int64) (page int64, offset int64) {
	page = slot / s.slotsPerPage
	offset = (slot % s.slotsPerPage) * int64(s.itemSize)
	return
}

// GetFreeSlot implements spec §4.3's get_free_slot: pop the head of the
// partially-freed list if non-empty (returning the freed slot's index and the
// tombstone rdt that freed it, needed for OLCP propagation), otherwise report
// that the caller must append at lastSlot, growing the file first if needed.
func (s *Slab) GetFreeSlot() (slot int64, freedRDT uint64, reused bool) {
	if idx, rdt, ok := s.freeList.Pop(); ok {
		s.liveCount++
		return idx, rdt, true
	}
	return s.lastSlot, 0, false
}

// AppendSlot grows the file if necessary and returns a freshly allocated slot
// at the high-water mark, advancing it by one.
func (s *Slab) AppendSlot() (int64, error) {
	slot := s.lastSlot
	page, _ := s.PageAndOffset(slot)
	needed := (page + 1) * PageSize
	if needed > s.sizeOnDisk {
		if err := s.grow(needed); err != nil {
			return 0, err
		}
	}
	s.lastSlot++
	s.liveCount++
	return slot, nil
}

// grow extends the backing file to at least minSize bytes, doubling while
// under doublingCeiling then growing by fixed growthIncrement steps,
// matching spec §4.3/§6's growth policy.
func (s *Slab) grow(minSize int64) error {
	newSize := s.sizeOnDisk
	if newSize == 0 {
		newSize = int64(s.itemSize) * s.slotsPerPage // one page's worth
		if newSize == 0 {
			newSize = PageSize
		}
	}
	for newSize < minSize {
		if newSize < doublingCeiling {
			newSize *= 2
		} else {
			newSize += growthIncrement
		}
	}
	newSize = int64(unsafehelpers.AlignUp(uintptr(newSize), PageSize))
	if err := s.file.Allocate(newSize); err != nil {
		return fmt.Errorf("kvell: growing slab class %d to %d bytes: %w", s.class, newSize, err)
	}
	s.logger.Debug("slab grown",
		zap.Int("class", s.class),
		zap.Int64("old_size", s.sizeOnDisk),
		zap.Int64("new_size", newSize))
	s.sizeOnDisk = newSize
	return nil
}

// AddToPartiallyFreed prepends (idx, nextRDT) to the slab's free list,
// implementing spec §4.3's add_to_partially_freed. nextRDT is the timestamp
// of the overwrite that freed the slot, used so long scans can still observe
// the pre-image via OLCP propagation before the slot is reused.
func (s *Slab) AddToPartiallyFreed(idx int64, nextRDT uint64) {
	s.freeList.Push(idx, nextRDT)
	s.liveCount--
}

// File exposes the underlying async-IO file handle for page reads/writes.
func (s *Slab) File() *ioengine.File { return s.file }

// Close releases the slab's file handle.
func (s *Slab) Close() error { return s.file.Close() }

// Close releases every slab file owned by the store.
func (st *Store) Close() error {
	var firstErr error
	for _, s := range st.slabs {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EnsureDir creates the slab directory if it does not already exist.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o777)
}
