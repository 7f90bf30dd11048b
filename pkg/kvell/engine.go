package kvell

// engine.go is the seam external collaborators bind against: it wires
// together a Store, commit-log slab, I/O engine, primary index, GC ring, and
// worker goroutine for every shard, runs recovery if requested, and exposes
// spec §6's callback-submission API plus the convenience sync wrappers in
// sync_api.go.
//
// © 2025 kvell authors. MIT License.

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kvellstore/kvell/internal/gc"
	"github.com/kvellstore/kvell/internal/index"
	"github.com/kvellstore/kvell/internal/ioengine"
	"github.com/kvellstore/kvell/internal/recovery"
	"github.com/kvellstore/kvell/internal/slab"
	"github.com/kvellstore/kvell/internal/txn"
	"github.com/kvellstore/kvell/internal/worker"
)

// Engine is one running instance of the storage engine: a fixed number of
// independent shard workers plus the process-wide state spec §3 calls out
// as shared (global clock, active-transaction registry).
type Engine struct {
	cfg      *config
	workers  []*worker.Worker
	indexes  []*index.Index
	registry *txn.Registry
	metrics  metricsSink
	logger   *zap.Logger

	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool

	readGroup *singleflight.Group
}

// New opens (or creates) a data directory and constructs a fully recovered,
// ready-to-serve Engine. Recovery runs synchronously inside New unless
// WithRecovery(false) was passed.
func New(opts ...Option) (*Engine, error) {
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		registry: txn.NewRegistry(cfg.maxActive),
		metrics:  newMetricsSink(cfg.registry),
		logger:   cfg.logger,
	}

	framesPerWorker := pageCacheFrames / cfg.shards
	if framesPerWorker < 16 {
		framesPerWorker = 16
	}

	workerFiles := make([]recovery.WorkerFiles, cfg.shards)
	stores := make([]*slab.Store, cfg.shards)
	logs := make([]*slab.Slab, cfg.shards)
	ioEngines := make([]*ioengine.Engine, cfg.shards)
	e.indexes = make([]*index.Index, cfg.shards)

	for i := 0; i < cfg.shards; i++ {
		io := ioengine.New(framesPerWorker, cfg.queueDepth)
		store, err := slab.Open(cfg.dir, i, io, cfg.logger)
		if err != nil {
			return nil, fmt.Errorf("kvell: opening worker %d slab store: %w", i, err)
		}
		logPath := filepath.Join(cfg.dir, fmt.Sprintf("trans-%d-%d", i, cfg.txnObjectSize))
		logSlab, err := slab.OpenSingle(logPath, cfg.txnObjectSize, io, cfg.logger)
		if err != nil {
			return nil, fmt.Errorf("kvell: opening worker %d transaction log: %w", i, err)
		}
		ioEngines[i] = io
		stores[i] = store
		logs[i] = logSlab
		e.indexes[i] = index.New()

		slabs := make([]*slab.Slab, len(slab.SizeClasses))
		for c := range slab.SizeClasses {
			slabs[c] = store.Slab(c)
		}
		workerFiles[i] = recovery.WorkerFiles{WorkerID: i, Log: logSlab, Slabs: slabs}
	}

	if cfg.recover {
		idxFor := func(workerID int) recovery.Index { return e.indexes[workerID] }
		results, err := recovery.Recover(context.Background(), workerFiles, idxFor, cfg.logger)
		if err != nil {
			return nil, fmt.Errorf("kvell: recovery failed: %w", err)
		}
		for _, res := range results {
			e.registry.Clock.Advance(res.MaxRDT)
		}
	}

	e.workers = make([]*worker.Worker, cfg.shards)
	for i := 0; i < cfg.shards; i++ {
		gcRing := gc.New(cfg.logger)
		e.workers[i] = worker.New(i, stores[i], logs[i], ioEngines[i], e.indexes[i], gcRing,
			e.registry, cfg.shards, cfg.queueDepth, cfg.neverExceed, cfg.logger)
	}

	e.stop = make(chan struct{})
	for _, w := range e.workers {
		e.wg.Add(1)
		go func(w *worker.Worker) {
			defer e.wg.Done()
			w.Run(e.stop)
		}(w)
	}

	e.logger.Info("kvell engine started",
		zap.String("instance_id", cfg.instanceID.String()),
		zap.Int("shards", cfg.shards),
		zap.String("data_dir", cfg.dir))
	return e, nil
}

// pageCacheFrames is the engine's total page-cache size in frames; New
// divides it equally among the workers, with a floor of 16 frames each.
const pageCacheFrames = 1 << 14

// Shards reports the number of independent workers in this engine.
func (e *Engine) Shards() int { return e.cfg.shards }

// RecoveredKeys reports how many indexed keys across every shard were last
// touched by startup recovery rather than live traffic since (internal/
// index's NEW-INDEX flag) — a rough gauge of how cold the working set still
// is after a restart.
func (e *Engine) RecoveredKeys() int {
	n := 0
	for _, idx := range e.indexes {
		n += idx.RecoveredCount()
	}
	return n
}

// workerFor resolves the worker that owns key's shard.
func (e *Engine) workerFor(key []byte) *worker.Worker {
	return e.workers[shardFor(key, e.cfg.shards)]
}

// Submit enqueues r on the worker owning r.Key (spec §3/§6's callback
// submission contract). r.Continuation is invoked on that worker's
// goroutine unless it carries its own InjectorQueue.
func (e *Engine) Submit(r *Request) error {
	if e.isClosed() {
		return ErrClosed
	}
	e.metrics.incRequests(shardFor(r.Key, e.cfg.shards), r.Action.String())
	e.workerFor(r.Key).Submit(r)
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close stops every worker goroutine and releases all slab/log file
// handles. It blocks until every worker has observed the stop signal.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.stop)
	for _, w := range e.workers {
		w.Queue.Close() // wakes a worker suspended in Queue.Wait
	}
	e.wg.Wait()

	var firstErr error
	for i, w := range e.workers {
		if err := w.Store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("kvell: closing worker %d store: %w", i, err)
		}
		if err := w.Log.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("kvell: closing worker %d log: %w", i, err)
		}
	}
	return firstErr
}
