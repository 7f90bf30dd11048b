package kvell

// config.go defines Engine's configuration object and the functional options
// that can be passed to New. There is no generic K/V here the way the
// teacher's cache parametrizes over them: every item in this engine is a raw
// []byte key/value pair (spec §3 "items"), so Option is a plain function
// rather than Option[K, V].
//
// © 2025 kvell authors. MIT License.

import (
	"errors"
	"os"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kvellstore/kvell/internal/unsafehelpers"
)

// Option configures an Engine at construction time.
type Option func(*config)

type config struct {
	dir         string
	shards      int
	queueDepth  int
	neverExceed bool // NEVER_EXCEED_QUEUE_DEPTH
	maxActive   int  // maximum concurrently active transactions

	txnObjectSize int // TRANSACTION_OBJECT_SIZE, bytes per log record

	registry *prometheus.Registry
	logger   *zap.Logger

	recover bool // whether New() runs internal/recovery before serving traffic

	instanceID uuid.UUID
}

func defaultConfig() *config {
	id, err := uuid.NewRandom()
	if err != nil {
		id = uuid.Nil
	}
	return &config{
		dir:           "/scratch0/kvell",
		shards:        1,
		queueDepth:    4096,
		neverExceed:   false,
		maxActive:     1 << 14,
		txnObjectSize: 64,
		logger:        zap.NewNop(),
		recover:       true,
		instanceID:    id,
	}
}

// WithDataDir sets the base directory under which every worker's slab and
// transaction-log files are created, following spec §6's
// "/scratch{disk}/kvell/..." convention (a single directory here; multi-disk
// striping is a REDESIGN FLAG candidate not pursued by this engine).
func WithDataDir(dir string) Option {
	return func(c *config) { c.dir = dir }
}

// WithShards sets the number of workers W (spec §3's prefix(key) mod W
// routing). Must be a power of two so shard routing can mask instead of mod.
func WithShards(n int) Option {
	return func(c *config) { c.shards = n }
}

// WithQueueDepth sets each worker's request queue capacity and its I/O
// engine's queue depth.
func WithQueueDepth(n int) Option {
	return func(c *config) { c.queueDepth = n }
}

// WithNeverExceedQueueDepth toggles NEVER_EXCEED_QUEUE_DEPTH (spec §6): when
// true, a worker keeps at most the queue depth of I/O operations in flight;
// when false, it submits every pending I/O operation at once. Submit blocks
// on a full request queue either way.
func WithNeverExceedQueueDepth(b bool) Option {
	return func(c *config) { c.neverExceed = b }
}

// WithMaxActiveTransactions bounds the number of concurrently active
// transactions tracked by internal/txn.Registry.
func WithMaxActiveTransactions(n int) Option {
	return func(c *config) { c.maxActive = n }
}

// WithTransactionObjectSize sets TRANSACTION_OBJECT_SIZE, the fixed slot
// size of each worker's commit-log slab (spec §6).
func WithTransactionObjectSize(n int) Option {
	return func(c *config) { c.txnObjectSize = n }
}

// WithMetrics enables Prometheus metrics collection. Passing nil disables
// metrics (the default).
func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *config) { c.registry = reg }
}

// WithLogger plugs an external zap.Logger. The engine never logs on the hot
// path; only startup, recovery, and Fatal conditions are emitted.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRecovery toggles whether New() runs the two-phase recovery scan
// (internal/recovery) before serving traffic. Disabling it is only useful
// against a freshly created, empty data directory (tests, benchmarks).
func WithRecovery(b bool) Option {
	return func(c *config) { c.recover = b }
}

func applyOptions(opts []Option) (*config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.shards <= 0 || !unsafehelpers.IsPowerOfTwo(uintptr(cfg.shards)) {
		return nil, errInvalidShards
	}
	if cfg.queueDepth <= 0 {
		return nil, errInvalidQueueDepth
	}
	if cfg.dir == "" {
		return nil, errInvalidDataDir
	}
	if err := os.MkdirAll(cfg.dir, 0o777); err != nil {
		return nil, err
	}
	return cfg, nil
}

var (
	errInvalidShards     = errors.New("kvell: shards must be a power of two and > 0")
	errInvalidQueueDepth = errors.New("kvell: queue depth must be > 0")
	errInvalidDataDir    = errors.New("kvell: data directory must not be empty")
)
