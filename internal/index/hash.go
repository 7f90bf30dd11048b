package index

// hash.go derives the 64-bit key prefix the primary index is ordered by
// (spec §4.4: "Key derivation: the first eight bytes of the key"). Unlike a
// cryptographic or avalanche hash, this preserves lexicographic order across
// keys of equal length, which range scans (lookup_next / lookup_next_batch)
// depend on.
//
// © 2025 kvell authors. MIT License.

import "encoding/binary"

// Prefix returns the big-endian interpretation of the first 8 bytes of key,
// zero-padding short keys. Big-endian is required so that numeric ordering
// of the prefix matches byte-wise lexicographic ordering of the key.
func Prefix(key []byte) uint64 {
	var buf [8]byte
	n := copy(buf[:], key)
	_ = n
	return binary.BigEndian.Uint64(buf[:])
}
