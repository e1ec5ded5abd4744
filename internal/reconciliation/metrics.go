package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileFindings = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "settle",
		Subsystem: "reconciliation",
		Name:      "findings",
		Help:      "Custody accounts failing a check in the last reconciliation run, by kind.",
	}, []string{"kind"})

	reconcileAgedFunded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settle",
		Subsystem: "reconciliation",
		Name:      "aged_funded_escrows",
		Help:      "Funded escrows older than the age threshold in the last reconciliation run.",
	})

	reconcileHeld = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settle",
		Subsystem: "reconciliation",
		Name:      "custody_held",
		Help:      "Base units held by funded custody accounts in the last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settle",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settle",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Reconciliation runs that could not scan every custody account.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileFindings,
		reconcileAgedFunded,
		reconcileHeld,
		reconcileDuration,
		reconcileErrors,
	)
}
