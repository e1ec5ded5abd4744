package escrow

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EscrowOpsTotal counts engine operations by operation and result.
	EscrowOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settle",
			Name:      "escrow_operations_total",
			Help:      "Escrow operations by operation and result.",
		},
		[]string{"op", "result"},
	)

	// EscrowOpDuration observes engine operation latency.
	EscrowOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settle",
			Name:      "escrow_operation_duration_seconds",
			Help:      "Escrow operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	// FeesCollectedTotal sums fees moved to the fee wallet, in base units.
	FeesCollectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "settle",
			Name:      "escrow_fees_collected_total",
			Help:      "Fees collected by funded escrows, in base units.",
		},
	)

	// SettledAmountTotal sums net amounts paid out, by action.
	SettledAmountTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settle",
			Name:      "escrow_settled_amount_total",
			Help:      "Net amounts paid out of custody, in base units.",
		},
		[]string{"action"},
	)
)

func init() {
	prometheus.MustRegister(
		EscrowOpsTotal,
		EscrowOpDuration,
		FeesCollectedTotal,
		SettledAmountTotal,
	)
}

// observeOp returns a function that records the result and duration of op.
func observeOp(op string) func(err error) {
	start := time.Now()
	return func(err error) {
		EscrowOpsTotal.WithLabelValues(op, resultLabel(err)).Inc()
		EscrowOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// resultLabel buckets errors into a small, fixed label set.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrUnauthorizedAuthority),
		errors.Is(err, ErrIncorrectFeeWallet), errors.Is(err, ErrRecipientNotSeller),
		errors.Is(err, ErrRecipientNotBuyer), errors.Is(err, ErrCustodyMismatch):
		return "unauthorized"
	case errors.Is(err, ErrNotInitialized), errors.Is(err, ErrAlreadyProcessed),
		errors.Is(err, ErrEscrowExists), errors.Is(err, ErrInvalidRecord):
		return "state"
	case errors.Is(err, ErrZeroAmount), errors.Is(err, ErrInvalidFeeBasisPoints),
		errors.Is(err, ErrMinimumAmount), errors.Is(err, ErrNetAmountTooSmall),
		errors.Is(err, ErrFeeTooSmall), errors.Is(err, ErrAmountLessThanFee),
		errors.Is(err, ErrArithmeticOverflow):
		return "invalid"
	default:
		return "error"
	}
}
