package main

// cmd/kvell-bench drives a standalone load test against an embedded kvell
// engine, the production-shaped counterpart to bench/bench_test.go: it reads
// a key dataset produced by tools/dataset_gen, runs a fixed mix of
// reads/writes against a fresh engine for a configurable duration, and
// reports throughput and latency percentiles.
//
// Usage:
//   go run ./tools/dataset_gen -n 1000000 -dist=zipf -shards=16 -out keys.txt
//   go run ./cmd/kvell-bench --keyfile keys.txt --shards 16 --duration 10s
//
// © 2025 kvell authors. MIT License.

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/kvellstore/kvell/pkg/kvell"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kvell-bench:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		keyfile    string
		dataDir    string
		shards     int
		writeRatio float64
		concurrent int
		duration   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "kvell-bench",
		Short: "Load-test an embedded kvell engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := readKeys(keyfile)
			if err != nil {
				return fmt.Errorf("reading keyfile: %w", err)
			}
			return runBench(cmd.Context(), keys, dataDir, shards, writeRatio, concurrent, duration)
		},
	}

	cmd.Flags().StringVar(&keyfile, "keyfile", "", "newline-separated hex-encoded keys from tools/dataset_gen (required)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "engine data directory (default: a temp dir)")
	cmd.Flags().IntVar(&shards, "shards", 16, "number of worker shards")
	cmd.Flags().Float64Var(&writeRatio, "write-ratio", 0.1, "fraction of ops that are writes")
	cmd.Flags().IntVar(&concurrent, "concurrency", 32, "number of concurrent client goroutines")
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "how long to run the load test")
	cmd.MarkFlagRequired("keyfile")

	return cmd
}

func readKeys(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var keys [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		buf, err := hex.DecodeString(sc.Text())
		if err != nil {
			continue
		}
		keys = append(keys, buf)
	}
	return keys, sc.Err()
}

var value64 = make([]byte, 64)

func runBench(ctx context.Context, keys [][]byte, dataDir string, shards int, writeRatio float64, concurrency int, duration time.Duration) error {
	if dataDir == "" {
		tmp, err := os.MkdirTemp("", "kvell-bench-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)
		dataDir = tmp
	}

	e, err := kvell.New(kvell.WithDataDir(dataDir), kvell.WithShards(shards))
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer e.Close()

	fmt.Printf("warming up %d keys...\n", len(keys))
	for _, k := range keys {
		if err := e.Put(ctx, k, value64); err != nil {
			return fmt.Errorf("warm-up put: %w", err)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var ops int64
	latencies := make([][]time.Duration, concurrency)

	var wg sync.WaitGroup
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(worker) + 1))
			var local []time.Duration
			for runCtx.Err() == nil {
				k := keys[rnd.Intn(len(keys))]
				start := time.Now()
				var opErr error
				if rnd.Float64() < writeRatio {
					opErr = e.Put(runCtx, k, value64)
				} else {
					_, _, opErr = e.Get(runCtx, k)
				}
				if opErr == nil {
					local = append(local, time.Since(start))
					atomic.AddInt64(&ops, 1)
				}
			}
			latencies[worker] = local
		}(w)
	}
	wg.Wait()

	all := mergeLatencies(latencies)
	report(ops, duration, all)
	return nil
}

func mergeLatencies(per [][]time.Duration) []time.Duration {
	var all []time.Duration
	for _, l := range per {
		all = append(all, l...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	return all
}

func report(ops int64, d time.Duration, sorted []time.Duration) {
	fmt.Printf("ops: %d, throughput: %.0f ops/sec\n", ops, float64(ops)/d.Seconds())
	if len(sorted) == 0 {
		return
	}
	p := func(q float64) time.Duration { return sorted[int(q*float64(len(sorted)-1))] }
	fmt.Printf("p50: %s  p99: %s  p999: %s  max: %s\n", p(0.50), p(0.99), p(0.999), sorted[len(sorted)-1])
}
