package lifecycled

import "neftvault/observability"

// Metrics exposes Prometheus collectors for lifecycled instrumentation.
type Metrics = observability.LifecycledMetrics

// NewMetrics returns a lazily initialised metrics registry.
func NewMetrics() *Metrics { return observability.Lifecycled() }
