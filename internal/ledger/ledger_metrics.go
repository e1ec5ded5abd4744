package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts units of work by outcome.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settle",
			Name:      "ledger_updates_total",
			Help:      "Total ledger units of work by outcome.",
		},
		[]string{"outcome"},
	)

	// LedgerOpDuration observes the latency of a unit of work.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settle",
			Name:      "ledger_update_duration_seconds",
			Help:      "Ledger unit of work duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"outcome"},
	)

	// LedgerEntriesTotal counts committed journal entries by kind.
	LedgerEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settle",
			Name:      "ledger_entries_total",
			Help:      "Committed journal entries by kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		LedgerEntriesTotal,
	)
}

// observeOp returns a function that records the outcome and duration of a
// unit of work started now.
func observeOp() func(outcome string) {
	start := time.Now()
	return func(outcome string) {
		LedgerOpsTotal.WithLabelValues(outcome).Inc()
		LedgerOpDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
}
