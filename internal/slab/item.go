package slab

// item.go defines the on-disk record header and the encode/decode helpers
// used by every slab slot. Layout follows spec §3 exactly:
//
//	{rdt: u64, key_size: u64, value_size: u64} followed by raw key then value.
//
// key_size == 0 marks an unused slot; key_size == TombstoneKeySize marks a
// tombstone, in which case value_size holds whatever slot index the writer
// passed to EncodeTombstone (DELETE passes the slab's LastSlot). Tombstones
// are not chained on disk: the partially-freed list lives only in memory
// (freelist.go), and recovery does not read this field.
//
// © 2025 kvell authors. MIT License.

import (
	"encoding/binary"
	"errors"

	"github.com/kvellstore/kvell/internal/unsafehelpers"
)

// HeaderSize is the fixed byte length of an item header.
const HeaderSize = 24 // 3 * uint64

// TombstoneKeySize marks a freed slot. Chosen as all-ones per spec §3/§6.
const TombstoneKeySize = ^uint64(0)

// RDT flag bits, folded into the high two bits of the stored rdt word when
// held in the in-memory index (see internal/index). On disk, rdt is stored
// raw (flags only make sense in the primary index entry).
const (
	FlagLocked    uint64 = 1 << 63
	FlagNewIndex  uint64 = 1 << 62
	RDTMask       uint64 = FlagNewIndex - 1 // 62 usable bits
)

// ErrItemTooLarge is returned when an item does not fit any size class.
var ErrItemTooLarge = errors.New("kvell: item larger than largest slab size class")

// Header is the decoded form of an item's fixed header.
type Header struct {
	RDT       uint64
	KeySize   uint64
	ValueSize uint64
}

// IsUnused reports whether the slot has never been written.
func (h Header) IsUnused() bool { return h.KeySize == 0 }

// IsTombstone reports whether the slot holds a freed/tombstoned record.
func (h Header) IsTombstone() bool { return h.KeySize == TombstoneKeySize }

// NextFree decodes the partially-freed chain pointer stored in ValueSize for
// a tombstoned slot.
func (h Header) NextFree() int64 { return int64(h.ValueSize) }

// DecodeHeader reads a Header from the first HeaderSize bytes of buf.
func DecodeHeader(buf []byte) Header {
	return Header{
		RDT:       binary.LittleEndian.Uint64(buf[0:8]),
		KeySize:   binary.LittleEndian.Uint64(buf[8:16]),
		ValueSize: binary.LittleEndian.Uint64(buf[16:24]),
	}
}

// EncodeHeader writes h into the first HeaderSize bytes of buf.
func EncodeHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint64(buf[0:8], h.RDT)
	binary.LittleEndian.PutUint64(buf[8:16], h.KeySize)
	binary.LittleEndian.PutUint64(buf[16:24], h.ValueSize)
}

// Item is the decoded, in-memory form of a record: header plus key and value
// bytes. Key/Value alias the backing buffer they were decoded from unless the
// caller explicitly clones them.
type Item struct {
	RDT   uint64
	Key   []byte
	Value []byte
}

// Size returns the total encoded size of the item (header + key + value).
func (it Item) Size() int { return HeaderSize + len(it.Key) + len(it.Value) }

// Encode serialises the item into dst, which must be at least it.Size()
// bytes. Returns the number of bytes written.
func (it Item) Encode(dst []byte) int {
	EncodeHeader(dst, Header{RDT: it.RDT, KeySize: uint64(len(it.Key)), ValueSize: uint64(len(it.Value))})
	n := HeaderSize
	n += copy(dst[n:], it.Key)
	n += copy(dst[n:], it.Value)
	return n
}

// Decode parses an Item out of buf using the header's recorded sizes. The
// returned Key/Value slices alias buf; clone them before caching beyond the
// lifetime of the page frame that owns buf.
func Decode(buf []byte) (Item, bool) {
	h := DecodeHeader(buf)
	if h.IsUnused() || h.IsTombstone() {
		return Item{}, false
	}
	end := HeaderSize + int(h.KeySize) + int(h.ValueSize)
	if end > len(buf) {
		return Item{}, false
	}
	key := buf[HeaderSize : HeaderSize+int(h.KeySize)]
	val := buf[HeaderSize+int(h.KeySize) : end]
	return Item{RDT: h.RDT, Key: key, Value: val}, true
}

// KeyString returns a zero-copy string view of the item's key, suitable for
// map lookups and hashing but never for retention beyond the frame's
// lifetime.
func (it Item) KeyString() string { return unsafehelpers.BytesToString(it.Key) }

// EncodeTombstone writes a tombstone header (no key/value payload) recording
// the freeing rdt and the next-free chain pointer.
func EncodeTombstone(dst []byte, rdt uint64, nextFree int64) {
	EncodeHeader(dst, Header{RDT: rdt, KeySize: TombstoneKeySize, ValueSize: uint64(nextFree)})
}
