// Package metrics exposes the analyzer's Prometheus instrumentation:
// ingestion counters, log reset counters, window gauges, estimate gauges,
// falsification flags, and calibration job outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecordsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lattice_geod_records_ingested_total",
		Help: "Total measurement-log records successfully ingested, per endpoint.",
	}, []string{"endpoint"})

	LinesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lattice_geod_log_lines_skipped_total",
		Help: "Total measurement-log lines skipped as malformed or missing required fields.",
	})

	LogResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lattice_geod_log_resets_total",
		Help: "Total tail-follower resets, labeled by reason (rotated, truncated).",
	}, []string{"reason"})

	WindowSampleCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lattice_geod_window_sample_count",
		Help: "Current number of samples in the rolling window, per endpoint.",
	}, []string{"endpoint"})

	EstimateSSE = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lattice_geod_estimate_sse",
		Help: "Sum-of-squared-error of the most recent geolocation estimate.",
	})

	EstimateAgeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lattice_geod_estimate_age_seconds",
		Help: "Age in seconds of the most recently computed geolocation estimate.",
	})

	FalsificationFlags = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lattice_geod_falsification_flag",
		Help: "1 if the endpoint's distance bound falsifies the current claim, else 0.",
	}, []string{"endpoint", "bound"})

	CalibrationJobOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lattice_geod_calibration_job_outcomes_total",
		Help: "Calibration job completions, labeled by kind and outcome (ok, error).",
	}, []string{"kind", "outcome"})
)
