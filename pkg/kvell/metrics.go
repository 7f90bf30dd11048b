package kvell

// metrics.go is a thin abstraction over Prometheus so Engine can be used
// with or without metrics. When a caller passes a *prometheus.Registry via
// WithMetrics(reg), per-worker labeled metrics are created and registered;
// otherwise a no-op sink is used and the hot path does not pay for metric
// updates.
//
// All metrics are per-worker; cross-worker aggregation is left to the
// Prometheus side via sum()/rate().
//
// ┌────────────────────────────────┬───────┬────────┐
// │ Metric                         │ Type  │ Labels │
// ├────────────────────────────────┼───────┼────────┤
// │ kvell_requests_total           │ Ctr   │ worker, action │
// │ kvell_fatal_errors_total       │ Ctr   │ worker │
// │ kvell_gc_reaped_total          │ Ctr   │ worker │
// │ kvell_gc_ring_length           │ Gge   │ worker │
// │ kvell_slab_live_items          │ Gge   │ worker, class │
// │ kvell_active_transactions      │ Gge   │        │
// │ kvell_queue_depth              │ Gge   │ worker │
// └────────────────────────────────┴───────┴────────┘
//
// © 2025 kvell authors. MIT License.

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsSink is the internal interface abstracting away the concrete
// backend (Prometheus vs noop). Engine and worker-facing code only know
// about the generic methods here.
type metricsSink interface {
	incRequests(worker int, action string)
	incFatal(worker int)
	addGCReaped(worker int, n int)
	setGCRingLen(worker int, n int)
	setSlabLiveItems(worker int, class int, n int64)
	setActiveTransactions(n int)
	setQueueDepth(worker int, n int)
}

type noopMetrics struct{}

func (noopMetrics) incRequests(int, string)          {}
func (noopMetrics) incFatal(int)                     {}
func (noopMetrics) addGCReaped(int, int)              {}
func (noopMetrics) setGCRingLen(int, int)             {}
func (noopMetrics) setSlabLiveItems(int, int, int64)  {}
func (noopMetrics) setActiveTransactions(int)         {}
func (noopMetrics) setQueueDepth(int, int)            {}

type promMetrics struct {
	requests           *prometheus.CounterVec
	fatalErrors        *prometheus.CounterVec
	gcReaped           *prometheus.CounterVec
	gcRingLen          *prometheus.GaugeVec
	slabLiveItems      *prometheus.GaugeVec
	activeTransactions prometheus.Gauge
	queueDepth         *prometheus.GaugeVec
}

func newPromMetrics(reg *prometheus.Registry) *promMetrics {
	workerLabel := []string{"worker"}

	pm := &promMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvell",
			Name:      "requests_total",
			Help:      "Number of dispatched requests.",
		}, []string{"worker", "action"}),
		fatalErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvell",
			Name:      "fatal_errors_total",
			Help:      "Number of fatal conditions observed per worker.",
		}, workerLabel),
		gcReaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvell",
			Name:      "gc_reaped_total",
			Help:      "Number of slots reclaimed by the GC ring.",
		}, workerLabel),
		gcRingLen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kvell",
			Name:      "gc_ring_length",
			Help:      "Current occupancy of the GC ring buffer.",
		}, workerLabel),
		slabLiveItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kvell",
			Name:      "slab_live_items",
			Help:      "Live (non-tombstoned) item count per slab class.",
		}, []string{"worker", "class"}),
		activeTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kvell",
			Name:      "active_transactions",
			Help:      "Number of transactions currently active or in commit.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kvell",
			Name:      "queue_depth",
			Help:      "Pending request count in a worker's queue.",
		}, workerLabel),
	}

	reg.MustRegister(pm.requests, pm.fatalErrors, pm.gcReaped, pm.gcRingLen,
		pm.slabLiveItems, pm.activeTransactions, pm.queueDepth)
	return pm
}

func (m *promMetrics) incRequests(worker int, action string) {
	m.requests.WithLabelValues(strconv.Itoa(worker), action).Inc()
}
func (m *promMetrics) incFatal(worker int) {
	m.fatalErrors.WithLabelValues(strconv.Itoa(worker)).Inc()
}
func (m *promMetrics) addGCReaped(worker int, n int) {
	m.gcReaped.WithLabelValues(strconv.Itoa(worker)).Add(float64(n))
}
func (m *promMetrics) setGCRingLen(worker int, n int) {
	m.gcRingLen.WithLabelValues(strconv.Itoa(worker)).Set(float64(n))
}
func (m *promMetrics) setSlabLiveItems(worker int, class int, n int64) {
	m.slabLiveItems.WithLabelValues(strconv.Itoa(worker), strconv.Itoa(class)).Set(float64(n))
}
func (m *promMetrics) setActiveTransactions(n int) {
	m.activeTransactions.Set(float64(n))
}
func (m *promMetrics) setQueueDepth(worker int, n int) {
	m.queueDepth.WithLabelValues(strconv.Itoa(worker)).Set(float64(n))
}

// newMetricsSink decides which implementation to use.
func newMetricsSink(reg *prometheus.Registry) metricsSink {
	if reg == nil {
		return noopMetrics{}
	}
	return newPromMetrics(reg)
}
