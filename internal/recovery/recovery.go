// Package recovery implements spec §7's barrier-synchronized two-phase
// recovery: every worker independently rescans its own transaction log
// (phase one, building the "ignored rdts" set for partially committed
// transactions) and then its own slab files (phase two, rebuilding the
// primary index), with a barrier between the phases so no worker starts
// slab rescan before every worker has finished building its ignored-rdts
// contribution — matching spec §7's "deterministic... ready only when all
// workers have completed both".
//
// golang.org/x/sync/errgroup drives the fan-out, the Go idiom for the
// barrier the teacher's pkg/loader.go reaches for with singleflight on the
// read-through path; here the shared primitive is errgroup instead since
// what's needed is "wait for N independent workers, fail fast on first
// error" rather than call deduplication.
//
// © 2025 kvell authors. MIT License.
package recovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kvellstore/kvell/internal/index"
	"github.com/kvellstore/kvell/internal/slab"
)

// WorkerFiles is the recovery-relevant subset of one worker's on-disk state.
type WorkerFiles struct {
	WorkerID int
	Log      *slab.Slab   // transaction commit-log slab
	Slabs    []*slab.Slab // the nine size-class slabs, in SizeClasses order
}

// Index is the subset of internal/index.Index recovery needs to rebuild
// the primary index from announced items. recovery.go itself resolves
// duplicate keys by keeping the higher rdt (spec §4.3) via Find before
// calling Add/Update, so Add/Update can stay as strict as the live-traffic
// path (Add still panics on a genuine duplicate ADD elsewhere).
type Index interface {
	Add(key []byte, class int, slotIdx int64, rdt uint64) *index.Entry
	Update(key []byte, class int, slotIdx int64, rdt uint64) *index.Entry
	Find(key []byte) *index.Entry
	MarkRecovered(key []byte)
}

// Result summarizes one worker's recovery pass, logged once at the end
// (SPEC_FULL.md's "startup statistics banner", supplementing spec.md from
// original_source/main.c).
type Result struct {
	WorkerID       int
	ItemsRecovered int64
	MaxRDT         uint64
	IgnoredRDTs    int
}

// Recover runs the two-phase barrier-synchronized recovery across every
// worker's files concurrently, returning one Result per worker in
// WorkerID order, or the first error encountered by any worker.
func Recover(ctx context.Context, workers []WorkerFiles, indexFor func(workerID int) Index, logger *zap.Logger) ([]Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// Phase one: transaction-log rescan, building each worker's ignored-rdt
	// set (commit records with no matching end marker).
	ignored := make([]map[uint64]struct{}, len(workers))
	g, _ := errgroup.WithContext(ctx)
	for i, wf := range workers {
		i, wf := i, wf
		g.Go(func() error {
			set, err := scanLog(wf)
			if err != nil {
				return fmt.Errorf("kvell: recovery phase 1 (worker %d): %w", wf.WorkerID, err)
			}
			ignored[i] = set
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Barrier: every worker's ignored-rdt set is now final before any slab
	// rescan begins, since a commit record belonging to one worker's log
	// can tombstone items living in that same worker's slabs only (each
	// worker's log and slabs are disjoint files), but the barrier still
	// matters for a deterministic, observably-synchronized readiness point
	// (spec §7 "ready only when all workers have completed both phases").

	results := make([]Result, len(workers))
	g2, _ := errgroup.WithContext(ctx)
	for i, wf := range workers {
		i, wf := i, wf
		g2.Go(func() error {
			idx := indexFor(wf.WorkerID)
			res, err := scanSlabs(wf, ignored[i], idx)
			if err != nil {
				return fmt.Errorf("kvell: recovery phase 2 (worker %d): %w", wf.WorkerID, err)
			}
			res.IgnoredRDTs = len(ignored[i])
			results[i] = res
			return nil
		})
	}
	if err := g2.Wait(); err != nil {
		return nil, err
	}

	for _, res := range results {
		logger.Info("recovery complete",
			zap.Int("worker", res.WorkerID),
			zap.Int64("items_recovered", res.ItemsRecovered),
			zap.Uint64("max_rdt", res.MaxRDT),
			zap.Int("ignored_rdts", res.IgnoredRDTs))
	}
	return results, nil
}

// scanLog rescans a worker's transaction log, returning the set of rdts
// belonging to commit records with no matching end marker (spec §7
// "Recovery anomalies": a live log record with no end marker means a crash
// during COMMITTING-APPLY/-END).
func scanLog(wf WorkerFiles) (map[uint64]struct{}, error) {
	ignored := make(map[uint64]struct{})
	if wf.Log == nil {
		return ignored, nil
	}
	_, err := wf.Log.Scan(nil, func(item slab.Item, _ slab.Slot) error {
		// Every live (non-tombstoned) record remaining in the log slab at
		// startup is, by construction, a commit whose END_TRANSACTION_COMMIT
		// never ran — a tombstoned log slot means the transaction's end
		// marker was already processed and its slot freed.
		ignored[item.RDT] = struct{}{}
		return nil
	})
	return ignored, err
}

// scanSlabs rescans every size-class slab for one worker, inserting live
// items into idx (duplicate keys resolved by keeping the higher rdt) and
// skipping any item whose rdt belongs to a partially committed transaction.
func scanSlabs(wf WorkerFiles, ignoredRDTs map[uint64]struct{}, idx Index) (Result, error) {
	res := Result{WorkerID: wf.WorkerID}
	for _, s := range wf.Slabs {
		maxRDT, err := s.Scan(ignoredRDTs, func(item slab.Item, loc slab.Slot) error {
			if existing := idx.Find(item.Key); existing != nil {
				if item.RDT <= existing.Raw() {
					return nil // on-disk duplicate with a stale rdt; keep the newer one already indexed
				}
				idx.Update(item.Key, loc.Class, loc.Index, item.RDT)
				idx.MarkRecovered(item.Key)
				res.ItemsRecovered++
				return nil
			}
			idx.Add(item.Key, loc.Class, loc.Index, item.RDT)
			idx.MarkRecovered(item.Key)
			res.ItemsRecovered++
			return nil
		})
		if err != nil {
			return res, err
		}
		if maxRDT > res.MaxRDT {
			res.MaxRDT = maxRDT
		}
	}
	return res, nil
}
