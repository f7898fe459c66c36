// Package metrics holds the Prometheus collectors the worker exports.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EngineLatency observes engine call duration by engine and outcome (ok|error).
	EngineLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "checkextract",
		Name:      "engine_call_seconds",
		Help:      "Latency of OCR engine calls.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"engine", "outcome"})

	// ChecksProcessed counts fused checks by outcome (ok|partial|empty).
	ChecksProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkextract",
		Name:      "checks_processed_total",
		Help:      "Checks run through fusion.",
	}, []string{"outcome"})

	// PagesDetected counts pages run through region detection.
	PagesDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "checkextract",
		Name:      "pages_detected_total",
		Help:      "Pages run through region detection.",
	})

	// BoxesPerPage observes how many check regions survive validation per page.
	BoxesPerPage = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "checkextract",
		Name:      "boxes_per_page",
		Help:      "Validated check regions per page.",
		Buckets:   []float64{0, 1, 2, 3, 4, 6, 8, 12, 16},
	})

	// KeyRotations counts credential pool attempts by outcome (ok|rate_limited|error).
	KeyRotations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkextract",
		Name:      "credential_attempts_total",
		Help:      "Attempts made with pooled API credentials.",
	}, []string{"outcome"})

	registerOnce sync.Once
)

// Register adds every collector to reg once; later calls are no-ops.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(EngineLatency, ChecksProcessed, PagesDetected, BoxesPerPage, KeyRotations)
	})
}
