// Package scan implements the OLCP long-scan protocol of spec §4.7: the
// pull side (chunked READ_NEXT_BATCH walks per shard) and, in propagate.go,
// the push side (pre-image propagation from concurrent writers).
//
// A long scan is bound to a Long transaction (spec §4.6's TRANSACTION_TYPE)
// and spans every shard independently — each worker walks only the slice of
// keyspace that landed on it via prefix(key) mod W, in that worker's local
// sorted order, exactly as spec §4.7 describes ("each worker independently
// walks its local index in sorted order").
//
// © 2025 kvell authors. MIT License.
package scan

import (
	"bytes"
	"sync"

	"github.com/kvellstore/kvell/internal/index"
)

// BatchSource is the subset of internal/index.Index a scan pulls from.
type BatchSource interface {
	LookupNextBatch(key []byte, snapshot int64, n int) ([]*index.Entry, [][]byte)
}

// ItemReader resolves a matched index entry to its current value bytes.
type ItemReader interface {
	ReadItem(e *index.Entry) ([]byte, error)
}

// ShardScan is one worker's walk state within a LongScan.
type ShardScan struct {
	WorkerID   int
	NextKey    []byte
	MaxNextKey []byte
	Ended      bool
}

// OnItem is invoked once per scan result, in the order one shard's walk
// produces them (no ordering guarantee across shards, per spec §4.7).
type OnItem func(workerID int, key, value []byte)

// OnDone is invoked exactly once, after every shard has reported its local
// end and the scan's map callback has effectively observed "null" for all
// of them (spec §4.7 "Termination").
type OnDone func()

// LongScan coordinates one OLCP scan across every shard.
type LongScan struct {
	Snapshot  uint64
	BatchSize int

	mu     sync.Mutex
	shards []*ShardScan
	seen   map[string]struct{}
	ended  int
	onItem OnItem
	onDone OnDone
	done   bool
}

// New constructs a scan over [start, end) across shardCount workers, each
// starting its local walk at start. The caller (internal/worker's dispatch)
// is responsible for actually issuing the first READ_NEXT_BATCH per shard.
func New(start, end []byte, snapshot uint64, batchSize, shardCount int, onItem OnItem, onDone OnDone) *LongScan {
	shards := make([]*ShardScan, shardCount)
	for i := range shards {
		shards[i] = &ShardScan{
			WorkerID:   i,
			NextKey:    append([]byte(nil), start...),
			MaxNextKey: append([]byte(nil), end...),
		}
	}
	return &LongScan{
		Snapshot:  snapshot,
		BatchSize: batchSize,
		shards:    shards,
		seen:      make(map[string]struct{}),
		onItem:    onItem,
		onDone:    onDone,
	}
}

// Shard returns the walk state for one worker, or nil if out of range.
func (l *LongScan) Shard(workerID int) *ShardScan {
	if workerID < 0 || workerID >= len(l.shards) {
		return nil
	}
	return l.shards[workerID]
}

// markSeen records key as delivered to the user callback for this scan,
// returning false if it was already delivered (the "seen" suppression of
// spec §4.7, covering both pull results and push pre-images).
func (l *LongScan) markSeen(key []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := string(key)
	if _, ok := l.seen[k]; ok {
		return false
	}
	l.seen[k] = struct{}{}
	return true
}

// RunPullBatch drains up to BatchSize successors of workerID's current
// position from idx, delivering each unseen one to OnItem and advancing the
// shard's NextKey. It marks the shard ended once the walk passes
// MaxNextKey or a batch returns fewer than requested, and triggers OnDone
// once every shard has ended.
func (l *LongScan) RunPullBatch(workerID int, idx BatchSource, reader ItemReader) error {
	ss := l.Shard(workerID)
	if ss == nil || ss.Ended {
		return nil
	}
	entries, keys := idx.LookupNextBatch(ss.NextKey, int64(l.Snapshot), l.BatchSize)
	for i, e := range entries {
		key := keys[i]
		if bytes.Compare(key, ss.MaxNextKey) >= 0 {
			ss.Ended = true
			break
		}
		ss.NextKey = key
		if !l.markSeen(key) {
			continue
		}
		value, err := reader.ReadItem(e)
		if err != nil {
			return err
		}
		l.onItem(workerID, key, value)
	}
	if len(entries) < l.BatchSize {
		ss.Ended = true
	}
	if ss.Ended {
		l.shardEnded()
	}
	return nil
}

// shardEnded records that one shard's local walk has terminated, firing
// OnDone once every shard has.
func (l *LongScan) shardEnded() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ended++
	if l.ended >= len(l.shards) && !l.done {
		l.done = true
		l.mu.Unlock()
		l.onDone()
		l.mu.Lock()
	}
}
