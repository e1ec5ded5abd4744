package reconciliation

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/settle/internal/auth"
	"github.com/mbd888/settle/internal/custody"
	"github.com/mbd888/settle/internal/escrow"
	"github.com/mbd888/settle/internal/keys"
	"github.com/mbd888/settle/internal/ledger"
	"github.com/mbd888/settle/internal/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testProgram = keys.MustParse("5bCqmbtwBZSvorHtu8PtsFPWoL1drC8Ps7vD5DgwqPPa")
	testNow     = time.Unix(1_700_000_000, 0)
)

func newKey(t *testing.T) keys.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	k, err := keys.FromBytes(pub)
	require.NoError(t, err)
	return k
}

type env struct {
	ledger    *ledger.Ledger
	engine    *escrow.Engine
	authority keys.PublicKey
	feeWallet keys.PublicKey
	buyer     keys.PublicKey
	seller    keys.PublicKey
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		ledger:    ledger.New(ledger.NewMemoryStore()),
		authority: newKey(t),
		feeWallet: newKey(t),
		buyer:     newKey(t),
		seller:    newKey(t),
	}
	engine, err := escrow.NewEngine(e.ledger, escrow.Params{
		ProgramID: testProgram,
		Authority: e.authority,
		FeeWallet: e.feeWallet,
		RateCap:   500,
	}, escrow.WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	e.engine = engine
	return e
}

func (e *env) fund(t *testing.T, txID, total uint64) *escrow.Escrow {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.ledger.Deposit(ctx, e.buyer, total, "test"))
	esc, err := e.engine.Fund(ctx, escrow.FundRequest{
		TransactionID:  txID,
		TotalAmount:    total,
		FeeBasisPoints: 100,
		Buyer:          e.buyer,
		Seller:         e.seller,
		Authority:      e.authority,
		FeeWallet:      e.feeWallet,
	})
	require.NoError(t, err)
	return esc
}

func (e *env) runner(maxAge time.Duration, at time.Time) *Runner {
	return NewRunner(e.ledger, e.engine, maxAge, nil).WithClock(func() time.Time { return at })
}

func kinds(rep *Report) map[string]int {
	out := make(map[string]int)
	for _, f := range rep.Findings {
		out[f.Kind]++
	}
	return out
}

func TestRunAll_CleanLedger(t *testing.T) {
	e := newEnv(t)
	e.fund(t, 1, 10_000)
	e.fund(t, 2, 20_000)
	esc := e.fund(t, 3, 30_000)
	_, err := e.engine.Release(context.Background(), escrow.SettleRequest{
		TransactionID: 3, Caller: e.authority, Custody: esc.Custody, Recipient: e.seller,
	})
	require.NoError(t, err)

	rep, err := e.runner(0, testNow).RunAll(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Healthy)
	assert.Equal(t, 3, rep.Checked)
	assert.Equal(t, 2, rep.Funded)
	assert.Equal(t, uint64(9_900+19_800), rep.HeldTotal)
	assert.Empty(t, rep.Findings)
}

func TestRunAll_DetectsBalanceDrift(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	surplus := e.fund(t, 1, 10_000)
	stranger := newKey(t)
	require.NoError(t, e.ledger.Deposit(ctx, stranger, 5, "test"))
	require.NoError(t, e.ledger.Update(ctx, "drift", func(tx ledger.Tx) error {
		return tx.Transfer(ctx, stranger, surplus.Custody, 5, ledger.SignedBy(stranger))
	}))

	under := e.fund(t, 2, 10_000)
	require.NoError(t, e.ledger.Update(ctx, "drain", func(tx ledger.Tx) error {
		signer := custody.EscrowSigner(testProgram, 2, under.Bump)
		return tx.Transfer(ctx, under.Custody, stranger, 1, ledger.ProgramSigned(signer))
	}))

	released := e.fund(t, 3, 10_000)
	_, err := e.engine.Release(ctx, escrow.SettleRequest{
		TransactionID: 3, Caller: e.authority, Custody: released.Custody, Recipient: e.seller,
	})
	require.NoError(t, err)
	require.NoError(t, e.ledger.Deposit(ctx, stranger, 7, "test"))
	require.NoError(t, e.ledger.Update(ctx, "residual", func(tx ledger.Tx) error {
		return tx.Transfer(ctx, stranger, released.Custody, 7, ledger.SignedBy(stranger))
	}))

	rep, err := e.runner(0, testNow).RunAll(ctx)
	require.NoError(t, err)
	assert.False(t, rep.Healthy)
	assert.Equal(t, map[string]int{KindSurplus: 1, KindUnderfunded: 1, KindResidual: 1}, kinds(rep))

	for _, f := range rep.Findings {
		switch f.Kind {
		case KindSurplus:
			assert.Equal(t, surplus.Custody, f.Custody)
			assert.Equal(t, uint64(9_905), f.Actual)
		case KindUnderfunded:
			assert.Equal(t, uint64(9_900), f.Expected)
			assert.Equal(t, uint64(9_899), f.Actual)
		case KindResidual:
			assert.Equal(t, "released", f.Stage)
			assert.Equal(t, uint64(7), f.Actual)
		}
	}
}

func TestRunAll_DetectsBadRecords(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	payer := newKey(t)
	require.NoError(t, e.ledger.Deposit(ctx, payer, 1, "test"))

	plant := func(txID uint64, data []byte) {
		addr, _, err := custody.Locate(testProgram, txID)
		require.NoError(t, err)
		require.NoError(t, e.ledger.Update(ctx, "plant", func(tx ledger.Tx) error {
			if _, err := tx.CreateAccount(ctx, addr, testProgram, payer, escrow.RecordSize); err != nil {
				return err
			}
			if data == nil {
				return nil
			}
			return tx.WriteData(ctx, addr, testProgram, data)
		}))
	}
	plant(1, nil)
	garbage := make([]byte, escrow.RecordSize)
	garbage[0] = 0xFF
	plant(2, garbage)

	rep, err := e.runner(0, testNow).RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{KindUninitialized: 1, KindInvalidRecord: 1}, kinds(rep))
}

func TestRunAll_CountsAgedFunded(t *testing.T) {
	e := newEnv(t)
	e.fund(t, 1, 10_000)
	e.fund(t, 2, 10_000)

	rep, err := e.runner(24*time.Hour, testNow.Add(48*time.Hour)).RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.AgedFunded)
	assert.True(t, rep.Healthy, "aged escrows are reported, not failures")

	rep, err = e.runner(24*time.Hour, testNow.Add(time.Hour)).RunAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.AgedFunded)
}

type failingLister struct{}

func (failingLister) AccountsByOwner(context.Context, keys.PublicKey, *pagination.Cursor, int) ([]*ledger.Account, error) {
	return nil, errors.New("database unavailable")
}

type staticLister []*ledger.Account

func (s staticLister) AccountsByOwner(context.Context, keys.PublicKey, *pagination.Cursor, int) ([]*ledger.Account, error) {
	return s, nil
}

type recordDecoder map[keys.PublicKey]*escrow.Escrow

func (d recordDecoder) Decode(acct *ledger.Account) (*escrow.Escrow, error) {
	return d[acct.Key], nil
}

func (d recordDecoder) Params() escrow.Params {
	return escrow.Params{ProgramID: testProgram}
}

func TestRunAll_ExtremeAmountsDoNotWrap(t *testing.T) {
	wrapped, big1, big2 := newKey(t), newKey(t), newKey(t)
	funded := func(total, fee, net uint64) *escrow.Escrow {
		return &escrow.Escrow{
			TotalAmount: total, FeeAmount: fee, NetAmount: net,
			Stage: escrow.StageFunded, Initialized: true, CreatedAt: testNow.Unix(),
		}
	}
	accounts := staticLister{
		{Key: wrapped, Owner: testProgram, Lamports: 2},
		{Key: big1, Owner: testProgram, Lamports: math.MaxUint64 - 1},
		{Key: big2, Owner: testProgram, Lamports: math.MaxUint64 - 1},
	}
	decoder := recordDecoder{
		wrapped: funded(1, math.MaxUint64, 2),
		big1:    funded(math.MaxUint64, 1, math.MaxUint64-1),
		big2:    funded(math.MaxUint64, 1, math.MaxUint64-1),
	}

	rep, err := NewRunner(accounts, decoder, 0, nil).WithClock(func() time.Time { return testNow }).RunAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]int{KindSplitMismatch: 1}, kinds(rep))

	f := rep.Findings[0]
	assert.Equal(t, wrapped, f.Custody)
	assert.Equal(t, uint64(1), f.Expected)
	assert.Equal(t, uint64(math.MaxUint64), f.Actual)
	assert.Contains(t, f.Detail, "overflows")

	assert.Equal(t, 3, rep.Funded)
	assert.Equal(t, uint64(math.MaxUint64), rep.HeldTotal, "held total saturates")
}

func TestRunAll_ScanFailure(t *testing.T) {
	e := newEnv(t)
	r := NewRunner(failingLister{}, e.engine, 0, nil)

	rep, err := r.RunAll(context.Background())
	require.Error(t, err)
	require.NotNil(t, rep)
	assert.True(t, rep.Incomplete)
	assert.False(t, rep.Healthy)
	assert.Same(t, rep, r.Last())
}

func TestHandler_ReportAndTrigger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	e := newEnv(t)
	e.fund(t, 1, 10_000)
	runner := e.runner(0, testNow)
	h := NewHandler(runner, e.authority)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if s := c.GetHeader("X-Test-Signer"); s != "" {
			c.Set(auth.ContextKeySigner, keys.MustParse(s))
		}
		c.Next()
	})
	h.RegisterRoutes(r.Group(""))
	h.RegisterProtectedRoutes(r.Group(""))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/reconciliation", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest("POST", "/reconciliation/run", nil)
	req.Header.Set("X-Test-Signer", e.buyer.String())
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest("POST", "/reconciliation/run", nil)
	req.Header.Set("X-Test-Signer", e.authority.String())
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/reconciliation", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Report Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Report.Checked)
	assert.Equal(t, uint64(9_900), resp.Report.HeldTotal)
}

func TestTimer_RunsImmediatelyAndStops(t *testing.T) {
	e := newEnv(t)
	e.fund(t, 1, 10_000)
	runner := e.runner(0, testNow)
	timer := NewTimer(runner, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for runner.Last() == nil {
		select {
		case <-deadline:
			t.Fatal("timer did not run on start")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
