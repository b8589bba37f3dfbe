package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transfer lifecycle
var (
	TransfersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crossledger_transfers_created_total",
		Help: "Total number of transfers accepted",
	})

	TransfersFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossledger_transfers_finished_total",
			Help: "Transfers reaching a terminal state, by state",
		},
		[]string{"state"},
	)

	TransferTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossledger_transfer_transitions_total",
			Help: "Persisted state machine transitions, by target step",
		},
		[]string{"step"},
	)

	StoreConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crossledger_store_conflicts_total",
		Help: "Conditional updates lost to a concurrent writer",
	})

	DrivesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crossledger_drives_in_flight",
		Help: "Transfers currently being driven",
	})
)

// Ledger calls
var (
	LedgerCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crossledger_ledger_call_duration_seconds",
			Help:    "Latency of calls to ledger endpoints",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"ledger", "op"},
	)

	LedgerCallErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossledger_ledger_call_errors_total",
			Help: "Failed ledger calls, by error kind",
		},
		[]string{"ledger", "op", "kind"},
	)
)

// Sweeper and alerts
var (
	SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crossledger_sweeper_runs_total",
		Help: "Sweeper scans executed",
	})

	SweepResumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crossledger_sweeper_resumed_total",
		Help: "Transfers resumed by the sweeper",
	})

	AlertsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossledger_alerts_published_total",
			Help: "Operator alerts published, by kind",
		},
		[]string{"kind"},
	)
)

// HTTP
var PanicsRecovered = promauto.NewCounter(prometheus.CounterOpts{
	Name: "crossledger_http_panics_recovered_total",
	Help: "Handler panics turned into 500 responses",
})

func ObserveLedgerCall(ledger, op string, start time.Time) {
	LedgerCallDuration.WithLabelValues(ledger, op).Observe(time.Since(start).Seconds())
}
