// Package metrics exposes the optional Prometheus instrumentation for the
// dispatcher and striped device: a nil *Set disables collection entirely,
// so the core's unit tests never need a registry.
//
// Grounded on go-tcg-storage's cmd/tcgdiskstat/metric.go, which builds a
// one-shot prometheus.Collector from raw client_golang primitives; this
// package instead registers long-lived counters/histograms once via
// promauto, since the target process runs for the life of the device
// rather than emitting a single scrape.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set groups the counters and histograms the core reports.
type Set struct {
	TasksTotal      *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	LeafIOTotal     *prometheus.CounterVec
	LeafIOFailures  *prometheus.CounterVec
	StripedJoinWait prometheus.Histogram
}

// New registers a Set against reg. Pass prometheus.NewRegistry() in tests
// that want isolation, or prometheus.DefaultRegisterer in a real process.
func New(reg prometheus.Registerer) *Set {
	factory := promauto.With(reg)
	return &Set{
		TasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tcmu_raid0_tasks_total",
			Help: "Total number of dispatched tasks, labeled by opcode and outcome.",
		}, []string{"opcode", "status"}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tcmu_raid0_task_duration_seconds",
			Help:    "Task execution latency, labeled by opcode.",
			Buckets: prometheus.DefBuckets,
		}, []string{"opcode"}),
		LeafIOTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tcmu_raid0_leaf_io_total",
			Help: "Total per-leaf I/Os issued by the striped device.",
		}, []string{"leaf", "op"}),
		LeafIOFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tcmu_raid0_leaf_io_failures_total",
			Help: "Total per-leaf I/O failures observed by the striped device.",
		}, []string{"leaf", "op"}),
		StripedJoinWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tcmu_raid0_join_wait_seconds",
			Help:    "Time the dispatching goroutine spent waiting at the per-request join barrier.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// observeTask is a nil-safe helper so callers don't have to guard every
// call site with "if m != nil".
func (m *Set) observeTask(opcode byte, status byte, seconds float64) {
	if m == nil {
		return
	}
	statusLabel := "good"
	if status != 0x00 {
		statusLabel = "check_condition"
	}
	opLabel := opcodeLabel(opcode)
	m.TasksTotal.WithLabelValues(opLabel, statusLabel).Inc()
	m.TaskDuration.WithLabelValues(opLabel).Observe(seconds)
}

func (m *Set) observeLeafIO(leaf int, op string, failed bool) {
	if m == nil {
		return
	}
	label := leafLabel(leaf)
	m.LeafIOTotal.WithLabelValues(label, op).Inc()
	if failed {
		m.LeafIOFailures.WithLabelValues(label, op).Inc()
	}
}

func (m *Set) observeJoinWait(seconds float64) {
	if m == nil {
		return
	}
	m.StripedJoinWait.Observe(seconds)
}

// ObserveTask records a completed task's opcode, status byte, and
// duration. Safe to call on a nil *Set.
func (m *Set) ObserveTask(opcode byte, status byte, seconds float64) {
	m.observeTask(opcode, status, seconds)
}

// ObserveLeafIO records a single per-leaf I/O outcome. Safe to call on a
// nil *Set.
func (m *Set) ObserveLeafIO(leaf int, op string, failed bool) {
	m.observeLeafIO(leaf, op, failed)
}

// ObserveJoinWait records how long the dispatching goroutine waited at the
// join barrier for a striped request. Safe to call on a nil *Set.
func (m *Set) ObserveJoinWait(seconds float64) {
	m.observeJoinWait(seconds)
}
