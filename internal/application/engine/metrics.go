package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FeeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slotmatrix_fee_events_total",
			Help: "Fee events processed, by program, source and outcome",
		},
		[]string{"program", "source", "outcome"},
	)

	FeeEventDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slotmatrix_fee_event_duration_seconds",
			Help:    "Time to place and distribute one fee event",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // de 1ms a ~4s
		},
		[]string{"program"},
	)

	PlacementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slotmatrix_placements_total",
			Help: "Placement records created, by program and escalation kind",
		},
		[]string{"program", "escalation", "spillover"},
	)

	PlacementConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slotmatrix_placement_conflicts_total",
			Help: "Position claims lost to a concurrent writer and retried",
		},
		[]string{"program"},
	)

	RecyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slotmatrix_recycles_total",
			Help: "Completed tree instances snapshotted and re-entered",
		},
		[]string{"program"},
	)

	RecycleJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slotmatrix_recycle_jobs_total",
			Help: "Deferred recycles by status (queued, done, failed, flagged)",
		},
		[]string{"program", "status"},
	)

	LedgerEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slotmatrix_ledger_entries_total",
			Help: "Ledger postings written, by reason",
		},
		[]string{"reason"},
	)

	CascadeJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slotmatrix_cascade_jobs_total",
			Help: "Auto-upgrade jobs by final status",
		},
		[]string{"program", "status"},
	)

	CascadeJobsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slotmatrix_cascade_jobs_pending",
			Help: "Auto-upgrade jobs waiting for a worker at the last sweep",
		},
	)
)
