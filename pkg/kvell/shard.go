package kvell

// shard.go implements spec §3's shard routing: prefix(key) mod W, seeded
// with siphash rather than the raw big-endian prefix internal/index uses
// for ordering. A seeded avalanche hash gives even worker distribution
// regardless of key skew (sequential keys, common prefixes); the index
// deliberately avoids this hash because it needs prefix ordering to match
// lexicographic key ordering for range scans — see internal/index/hash.go
// and DESIGN.md.
//
// © 2025 kvell authors. MIT License.

import "github.com/dchest/siphash"

// shardSeedK0/K1 are fixed so that routing is deterministic across process
// restarts (a key must always land on the worker that owns its on-disk
// slabs).
const (
	shardSeedK0 = 0x6b76656c6c5f6b30
	shardSeedK1 = 0x7368617264726f75
)

// shardFor returns the worker index key routes to, in [0, shards).
func shardFor(key []byte, shards int) int {
	h := siphash.Hash(shardSeedK0, shardSeedK1, key)
	return int(h & uint64(shards-1))
}
