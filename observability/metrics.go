package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	lifecycledMetricsOnce sync.Once
	lifecycledRegistry    *LifecycledMetrics
)

// LifecycledMetrics bundles collectors tracking lifecycle operation health.
type LifecycledMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	reconRuns  *prometheus.CounterVec
	inflight   prometheus.Gauge
	unverified prometheus.Gauge
}

// Lifecycled returns the singleton metrics registry for lifecycled.
func Lifecycled() *LifecycledMetrics {
	lifecycledMetricsOnce.Do(func() {
		lifecycledRegistry = &LifecycledMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "neftvault",
				Subsystem: "lifecycled",
				Name:      "operations_total",
				Help:      "Count of lifecycle operations segmented by action and outcome.",
			}, []string{"action", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "neftvault",
				Subsystem: "lifecycled",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for completed lifecycle operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"action"}),
			reconRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "neftvault",
				Subsystem: "lifecycled",
				Name:      "reconciliation_runs_total",
				Help:      "Count of reconciliation job runs segmented by result.",
			}, []string{"result"}),
			inflight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "neftvault",
				Subsystem: "lifecycled",
				Name:      "assets_inflight",
				Help:      "Number of assets with a lifecycle operation currently in flight.",
			}),
			unverified: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "neftvault",
				Subsystem: "lifecycled",
				Name:      "assets_unverified",
				Help:      "Number of assets carrying a provisional, unverified mutation.",
			}),
		}
		prometheus.MustRegister(
			lifecycledRegistry.operations,
			lifecycledRegistry.latency,
			lifecycledRegistry.reconRuns,
			lifecycledRegistry.inflight,
			lifecycledRegistry.unverified,
		)
	})
	return lifecycledRegistry
}

// ObserveOperation records the outcome and latency of one lifecycle operation.
func (m *LifecycledMetrics) ObserveOperation(action, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(labelValue(action), labelValue(outcome)).Inc()
	m.latency.WithLabelValues(labelValue(action)).Observe(duration.Seconds())
}

// RecordReconRun increments the reconciliation run counter. Results should be
// stable strings such as "confirmed", "reverted" or "rearmed" so dashboards
// stay consistent.
func (m *LifecycledMetrics) RecordReconRun(result string) {
	if m == nil {
		return
	}
	m.reconRuns.WithLabelValues(labelValue(result)).Inc()
}

// AddInflight adjusts the in-flight asset gauge by delta.
func (m *LifecycledMetrics) AddInflight(delta int) {
	if m == nil {
		return
	}
	m.inflight.Add(float64(delta))
}

// SetUnverified sets the unverified asset gauge to the current count.
func (m *LifecycledMetrics) SetUnverified(count int) {
	if m == nil {
		return
	}
	m.unverified.Set(float64(count))
}

func labelValue(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}
