package main

// dataset_gen.go generates deterministic key datasets for standalone
// benchmarking of the kvell engine (outside `go test`), in kvell's actual
// on-disk key shape rather than a generic integer stream: each line is the
// hex encoding of the same 8-byte big-endian key layout cmd/kvell-bench
// reads and internal/index orders on (see internal/index/hash.go), and with
// -shards set the tool reports the per-shard distribution the dataset would
// produce under pkg/kvell's own siphash routing formula (pkg/kvell/shard.go)
// before a single byte is written to the engine.
//
// Usage:
//   go run ./tools/dataset_gen -n 1000000 -dist=zipf -seed=42 -shards=16 -out keys.txt
//
// Flags:
//   -n       number of keys to generate (default 1e6)
//   -dist    distribution: "uniform" or "zipf" (default uniform)
//   -zipfs   Zipf s parameter (>1)  (default 1.2)
//   -zipfv   Zipf v parameter (>=1) (default 1.0)
//   -seed    RNG seed (default current time)
//   -shards  if >0, report the per-shard key count this dataset would
//            produce under pkg/kvell's routing formula, to stderr
//   -out     output file (default stdout)
//
// Zipf-distributed keys exercise kvell's page cache and GC ring under a
// realistic hot/cold key skew, rather than the uniform access pattern a
// purely random dataset would produce.
//
// © 2025 kvell authors. MIT License.

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/dchest/siphash"
)

// shardSeedK0/K1 mirror pkg/kvell/shard.go's routing seed exactly: a dataset
// meant to exercise N shards has to hash the same way the engine itself
// will once the keys are actually put, or the reported distribution would
// describe a routing scheme the engine doesn't use.
const (
	shardSeedK0 = 0x6b76656c6c5f6b30
	shardSeedK1 = 0x7368617264726f75
)

func shardFor(key []byte, shards int) int {
	h := siphash.Hash(shardSeedK0, shardSeedK1, key)
	return int(h & uint64(shards-1))
}

func main() {
	var (
		n       = flag.Int("n", 1_000_000, "number of keys to generate")
		dist    = flag.String("dist", "uniform", "distribution: uniform or zipf")
		zipfS   = flag.Float64("zipfs", 1.2, "zipf s parameter (>1)")
		zipfV   = flag.Float64("zipfv", 1.0, "zipf v parameter (>=1)")
		seedVal = flag.Int64("seed", time.Now().UnixNano(), "PRNG seed")
		shards  = flag.Int("shards", 0, "if >0, report per-shard key counts under pkg/kvell's routing formula")
		outPath = flag.String("out", "", "output file (default stdout)")
	)
	flag.Parse()

	rnd := rand.New(rand.NewSource(*seedVal))

	var gen func() uint64
	switch *dist {
	case "uniform":
		gen = rnd.Uint64
	case "zipf":
		if *zipfS <= 1.0 || *zipfV < 1 {
			fmt.Fprintln(os.Stderr, "zipfs must be >1 and zipfv >=1")
			os.Exit(1)
		}
		z := rand.NewZipf(rnd, *zipfS, *zipfV, ^uint64(0))
		gen = z.Uint64
	default:
		fmt.Fprintln(os.Stderr, "unknown dist:", *dist)
		os.Exit(1)
	}

	if *shards > 0 && (*shards&(*shards-1)) != 0 {
		fmt.Fprintln(os.Stderr, "shards must be a power of two to match pkg/kvell's mask-based routing")
		os.Exit(1)
	}

	var out *os.File
	var err error
	if *outPath == "" {
		out = os.Stdout
	} else {
		out, err = os.Create(*outPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "cannot create file:", err)
			os.Exit(1)
		}
		defer out.Close()
	}

	w := bufio.NewWriterSize(out, 1<<20)
	defer w.Flush()

	var counts []int
	if *shards > 0 {
		counts = make([]int, *shards)
	}

	var keyBuf [8]byte
	for i := 0; i < *n; i++ {
		binary.BigEndian.PutUint64(keyBuf[:], gen())
		fmt.Fprintln(w, hex.EncodeToString(keyBuf[:]))
		if counts != nil {
			counts[shardFor(keyBuf[:], *shards)]++
		}
	}

	if counts != nil {
		reportSkew(*n, counts)
	}
}

// reportSkew prints the min/max per-shard key counts to stderr, the
// diagnostic a benchmark operator needs before blaming the engine for a
// hot-shard result that was actually baked into the dataset.
func reportSkew(n int, counts []int) {
	min, max := counts[0], counts[0]
	for _, c := range counts[1:] {
		if c < min {
			min = c
		}
		if c > max {
			max = c
		}
	}
	fmt.Fprintf(os.Stderr, "shard distribution over %d keys across %d shards: min=%d max=%d (even=%d)\n",
		n, len(counts), min, max, n/len(counts))
}
