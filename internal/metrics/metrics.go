// Package metrics exposes lookout's Prometheus instruments. Instruments are
// registered on an injected registry so the daemon can serve exactly its own
// metrics and tests can inspect a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tripwire/lookout/internal/baseline"
	"github.com/tripwire/lookout/internal/containment"
	"github.com/tripwire/lookout/internal/scan"
)

const namespace = "lookout"

// Metrics holds every instrument. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	reg prometheus.Gatherer

	scans                *prometheus.CounterVec
	scanDuration         prometheus.Histogram
	items                *prometheus.GaugeVec
	collectorErrors      *prometheus.CounterVec
	verificationFailures prometheus.Counter
	fastPath             prometheus.Counter
	changes              *prometheus.CounterVec
	actions              *prometheus.CounterVec
	watchTriggers        prometheus.Counter
}

// New registers the instruments on reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		scans: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "runs_total",
			Help:      "Completed scans by outcome (ok, partial, cancelled).",
		}, []string{"outcome"}),
		scanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of a scan.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		items: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "items",
			Help:      "Items found per category by the last scan.",
		}, []string{"category"}),
		collectorErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "collector_errors_total",
			Help:      "Collector failures per category.",
		}, []string{"category"}),
		verificationFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "verification_failures_total",
			Help:      "Items whose signature verification failed.",
		}),
		fastPath: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "fast_path_items_total",
			Help:      "Items classified first party without verification.",
		}),
		changes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "baseline",
			Name:      "changes_total",
			Help:      "Recorded baseline changes by category and change type.",
		}, []string{"category", "change_type"}),
		actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "containment",
			Name:      "actions_total",
			Help:      "Containment actions appended by type and status.",
		}, []string{"type", "status"}),
		watchTriggers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "triggers_total",
			Help:      "Rescans triggered by filesystem events.",
		}),
	}
}

// ObserveScan records one finished scan.
func (m *Metrics) ObserveScan(res scan.Result) {
	if m == nil {
		return
	}
	st := res.Stats
	outcome := "ok"
	switch {
	case st.Cancelled:
		outcome = "cancelled"
	case st.HasErrors():
		outcome = "partial"
	}
	m.scans.WithLabelValues(outcome).Inc()
	m.scanDuration.Observe(st.Duration().Seconds())
	for cat, n := range st.ItemCounts {
		m.items.WithLabelValues(string(cat)).Set(float64(n))
	}
	for cat := range st.Errors {
		m.collectorErrors.WithLabelValues(string(cat)).Inc()
	}
	m.verificationFailures.Add(float64(st.VerificationFailures))
	m.fastPath.Add(float64(st.FastPathCount))
}

// ObserveChanges records baseline changes.
func (m *Metrics) ObserveChanges(entries []baseline.ChangeHistoryEntry) {
	if m == nil {
		return
	}
	for _, e := range entries {
		m.changes.WithLabelValues(string(e.Category), string(e.ChangeType)).Inc()
	}
}

// ObserveAction records one containment action. It matches the signature of
// containment.WithObserver.
func (m *Metrics) ObserveAction(a containment.Action) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(string(a.Type), string(a.Status)).Inc()
}

// WatchTriggered counts a watcher-initiated rescan.
func (m *Metrics) WatchTriggered() {
	if m == nil {
		return
	}
	m.watchTriggers.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
