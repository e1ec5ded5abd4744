// Package reconciliation audits custody accounts against the escrow records
// they hold.
//
// Every account owned by the escrow program is decoded and checked:
//   - a funded escrow's custody must hold exactly its net amount
//   - a released or cancelled escrow's custody must be empty
//   - fee + net must equal the recorded total
//
// Funded escrows older than the age threshold are counted separately. An
// escrow has no expiry, so a long-funded escrow usually means the authority
// has stopped settling.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/bits"
	"sync"
	"time"

	"github.com/mbd888/settle/internal/escrow"
	"github.com/mbd888/settle/internal/keys"
	"github.com/mbd888/settle/internal/ledger"
	"github.com/mbd888/settle/internal/pagination"
)

// Finding kinds.
const (
	KindUnderfunded   = "underfunded"
	KindSurplus       = "surplus"
	KindResidual      = "residual"
	KindSplitMismatch = "split_mismatch"
	KindUninitialized = "uninitialized"
	KindInvalidRecord = "invalid_record"
)

const scanPageSize = 500

// AccountLister lists accounts owned by a program, newest first.
type AccountLister interface {
	AccountsByOwner(ctx context.Context, owner keys.PublicKey, cursor *pagination.Cursor, limit int) ([]*ledger.Account, error)
}

// Decoder turns a custody account into its escrow record.
type Decoder interface {
	Decode(acct *ledger.Account) (*escrow.Escrow, error)
	Params() escrow.Params
}

// Finding is one custody account that failed a check.
type Finding struct {
	Custody  keys.PublicKey `json:"custody"`
	Kind     string         `json:"kind"`
	Stage    string         `json:"stage,omitempty"`
	Expected uint64         `json:"expected,string"`
	Actual   uint64         `json:"actual,string"`
	Detail   string         `json:"detail,omitempty"`
}

// Report summarizes one reconciliation run.
type Report struct {
	Checked    int           `json:"checked"`
	Funded     int           `json:"funded"`
	HeldTotal  uint64        `json:"heldTotal,string"`
	AgedFunded int           `json:"agedFunded"`
	Findings   []Finding     `json:"findings"`
	Healthy    bool          `json:"healthy"`
	Duration   time.Duration `json:"durationMs"`
	Timestamp  time.Time     `json:"timestamp"`
	Incomplete bool          `json:"incomplete,omitempty"`
	ScanError  string        `json:"scanError,omitempty"`
}

// Runner performs reconciliation runs.
type Runner struct {
	accounts AccountLister
	decoder  Decoder
	maxAge   time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu   sync.Mutex
	last *Report
}

// NewRunner creates a runner. maxAge is the age above which a funded escrow
// is reported as aged; zero disables the check.
func NewRunner(accounts AccountLister, decoder Decoder, maxAge time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		accounts: accounts,
		decoder:  decoder,
		maxAge:   maxAge,
		now:      time.Now,
		logger:   logger,
	}
}

// WithClock overrides the time source.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	if now != nil {
		r.now = now
	}
	return r
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// RunAll scans every custody account. A listing failure part way through
// returns the partial report together with the error.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := r.now()
	program := r.decoder.Params().ProgramID
	rep := &Report{Timestamp: start.UTC(), Findings: []Finding{}}

	var cursor *pagination.Cursor
	var scanErr error
	for {
		page, err := r.accounts.AccountsByOwner(ctx, program, cursor, scanPageSize)
		if err != nil {
			scanErr = fmt.Errorf("list custody accounts: %w", err)
			break
		}
		for _, acct := range page {
			r.check(acct, start, rep)
		}
		if len(page) < scanPageSize {
			break
		}
		cursor = ledger.Cursor(page[len(page)-1])
	}

	rep.Healthy = scanErr == nil && len(rep.Findings) == 0
	rep.Duration = r.now().Sub(start)
	if scanErr != nil {
		rep.Incomplete = true
		rep.ScanError = scanErr.Error()
		reconcileErrors.Inc()
	}

	r.record(rep)
	if !rep.Healthy {
		r.logger.Warn("reconciliation found problems",
			"checked", rep.Checked,
			"findings", len(rep.Findings),
			"agedFunded", rep.AgedFunded,
			"error", scanErr,
		)
	} else {
		r.logger.Info("reconciliation clean", "checked", rep.Checked, "held", rep.HeldTotal)
	}
	return rep, scanErr
}

func (r *Runner) check(acct *ledger.Account, now time.Time, rep *Report) {
	rep.Checked++

	esc, err := r.decoder.Decode(acct)
	switch {
	case errors.Is(err, escrow.ErrNotInitialized):
		rep.Findings = append(rep.Findings, Finding{
			Custody: acct.Key, Kind: KindUninitialized, Actual: acct.Lamports,
		})
		return
	case err != nil:
		rep.Findings = append(rep.Findings, Finding{
			Custody: acct.Key, Kind: KindInvalidRecord, Actual: acct.Lamports, Detail: err.Error(),
		})
		return
	}

	split, carry := bits.Add64(esc.FeeAmount, esc.NetAmount, 0)
	if carry != 0 || split != esc.TotalAmount || esc.FeeAmount >= esc.TotalAmount {
		f := Finding{
			Custody:  acct.Key,
			Kind:     KindSplitMismatch,
			Stage:    esc.Stage.String(),
			Expected: esc.TotalAmount,
			Actual:   split,
		}
		if carry != 0 {
			f.Actual = math.MaxUint64
			f.Detail = "fee + net overflows u64"
		}
		rep.Findings = append(rep.Findings, f)
	}

	if esc.Stage.IsTerminal() {
		if acct.Lamports != 0 {
			rep.Findings = append(rep.Findings, Finding{
				Custody: acct.Key, Kind: KindResidual, Stage: esc.Stage.String(), Actual: acct.Lamports,
			})
		}
		return
	}

	rep.Funded++
	if held, carry := bits.Add64(rep.HeldTotal, acct.Lamports, 0); carry != 0 {
		rep.HeldTotal = math.MaxUint64
	} else {
		rep.HeldTotal = held
	}
	switch {
	case acct.Lamports < esc.NetAmount:
		rep.Findings = append(rep.Findings, Finding{
			Custody: acct.Key, Kind: KindUnderfunded, Stage: esc.Stage.String(),
			Expected: esc.NetAmount, Actual: acct.Lamports,
		})
	case acct.Lamports > esc.NetAmount:
		rep.Findings = append(rep.Findings, Finding{
			Custody: acct.Key, Kind: KindSurplus, Stage: esc.Stage.String(),
			Expected: esc.NetAmount, Actual: acct.Lamports,
		})
	}

	if r.maxAge > 0 && now.Sub(time.Unix(esc.CreatedAt, 0)) > r.maxAge {
		rep.AgedFunded++
	}
}

func (r *Runner) record(rep *Report) {
	findings := map[string]float64{
		KindUnderfunded: 0, KindSurplus: 0, KindResidual: 0,
		KindSplitMismatch: 0, KindUninitialized: 0, KindInvalidRecord: 0,
	}
	for _, f := range rep.Findings {
		findings[f.Kind]++
	}
	for kind, n := range findings {
		reconcileFindings.WithLabelValues(kind).Set(n)
	}
	reconcileAgedFunded.Set(float64(rep.AgedFunded))
	reconcileHeld.Set(float64(rep.HeldTotal))
	reconcileDuration.Observe(rep.Duration.Seconds())

	r.mu.Lock()
	r.last = rep
	r.mu.Unlock()
}
