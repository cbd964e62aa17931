// Package metrics holds the Prometheus collectors shared by the pool
// lifecycle components. Collectors register on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolkeeper_cycles_total",
		Help: "Replenishment cycles by outcome (sufficient, replenished, aborted).",
	}, []string{"outcome"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "poolkeeper_cycle_duration_seconds",
		Help:    "Wall time of one replenishment cycle.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	ActiveChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolkeeper_active_channels",
		Help: "Active channels reported by the last successful status fetch.",
	})

	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolkeeper_uploads_total",
		Help: "Channel uploads by result (success, failure).",
	}, []string{"result"})

	UploadAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "poolkeeper_upload_attempts",
		Help:    "Attempts used per upload.",
		Buckets: []float64{1, 2, 3, 4, 5},
	})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolkeeper_status_transitions_total",
		Help: "Observed account status transitions by new status.",
	}, []string{"status"})

	RelocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolkeeper_relocations_total",
		Help: "Files moved between pools by destination pool.",
	}, []string{"pool"})

	PersistFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolkeeper_persist_failures_total",
		Help: "Status store writes that failed during reconciliation.",
	})

	ActivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolkeeper_activations_total",
		Help: "Group activations by result (success, incomplete, rollback_failed).",
	}, []string{"result"})
)
