// Package bench provides reproducible micro-benchmarks for the kvell
// storage engine. Run via: go test ./bench -bench=. -benchmem -cpu 1,4,16
//
// Key/value shape is fixed across benchmarks so results are comparable:
//   - Key   -- 8-byte big-endian uint64
//   - Value -- 64-byte payload
//
// We measure:
//  1. Put         -- write-only workload (ADD_OR_UPDATE_IN_PLACE)
//  2. Get          -- read-only workload (after warm-up)
//  3. GetParallel  -- concurrent reads across shards
//  4. TxnCommit    -- single-key transactional write + commit
//
// © 2025 kvell authors. MIT License.
package bench

import (
	"context"
	"encoding/binary"
	"math/rand"
	"os"
	"runtime"
	"testing"

	"github.com/kvellstore/kvell/pkg/kvell"
)

const (
	shards = 16
	keys   = 1 << 16
)

func newTestEngine(b *testing.B) *kvell.Engine {
	dir, err := os.MkdirTemp("", "kvell-bench-*")
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { os.RemoveAll(dir) })
	e, err := kvell.New(kvell.WithDataDir(dir), kvell.WithShards(shards))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { e.Close() })
	return e
}

var ds = func() [][]byte {
	arr := make([][]byte, keys)
	for i := range arr {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, rand.Uint64())
		arr[i] = buf
	}
	return arr
}()

var value64 = make([]byte, 64)

func BenchmarkPut(b *testing.B) {
	e := newTestEngine(b)
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := ds[i&(keys-1)]
		if err := e.Put(ctx, key, value64); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkGet(b *testing.B) {
	e := newTestEngine(b)
	ctx := context.Background()
	for _, k := range ds {
		if err := e.Put(ctx, k, value64); err != nil {
			b.Fatal(err)
		}
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := ds[i&(keys-1)]
		if _, _, err := e.Get(ctx, k); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkGetParallel(b *testing.B) {
	e := newTestEngine(b)
	ctx := context.Background()
	for _, k := range ds {
		if err := e.Put(ctx, k, value64); err != nil {
			b.Fatal(err)
		}
	}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		idx := rand.Intn(keys)
		for pb.Next() {
			idx = (idx + 1) & (keys - 1)
			e.Get(ctx, ds[idx])
		}
	})
}

func BenchmarkTxnCommit(b *testing.B) {
	e := newTestEngine(b)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		t, err := e.Begin(kvell.Fast)
		if err != nil {
			b.Fatal(err)
		}
		key := ds[i&(keys-1)]
		if err := t.Put(key, value64); err != nil {
			b.Fatal(err)
		}
		if err := t.Commit(); err != nil {
			b.Fatal(err)
		}
	}
}

func init() {
	runtime.GOMAXPROCS(runtime.NumCPU())
}
