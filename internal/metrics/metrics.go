// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Ticks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_tracker_ticks_total",
		Help: "Tracker evaluations over the live board.",
	})

	ProgressWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_progress_writes_total",
		Help: "Records whose break time / render time were persisted by a batched sync.",
	})

	StatusWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_status_writes_total",
		Help: "Status changes written by the reconciler, by new status.",
	}, []string{"status"})

	Sweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_sweeps_total",
		Help: "Reconciliation sweeps, by trigger.",
	}, []string{"trigger"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attendance_sweep_duration_seconds",
		Help:    "Wall time of a reconciliation sweep.",
		Buckets: prometheus.DefBuckets,
	})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_subject_transitions_total",
		Help: "Subject activations, by outcome.",
	}, []string{"outcome"})

	Detections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_detections_total",
		Help: "Detection events routed by the engine, by outcome.",
	}, []string{"outcome"})

	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "attendance_live_sessions",
		Help: "Records currently tracked on the live board.",
	})

	StandbyEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "attendance_standby_entries",
		Help: "Detections waiting for the next subject activation.",
	})
)
