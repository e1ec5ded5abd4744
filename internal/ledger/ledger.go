// Package ledger holds account balances and moves value between accounts.
//
// Flow:
//  1. Key-controlled accounts are funded by deposits (development faucet)
//  2. Update runs a unit of work: account creation, transfers, data writes
//  3. Either everything inside Update commits, or nothing does
//
// Accounts owned by the system program are spent by their key holder.
// Accounts owned by another program are spent only with that program's
// derivation seeds (see package custody); no private key can move them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"time"

	"github.com/google/uuid"
	"github.com/mbd888/settle/internal/custody"
	"github.com/mbd888/settle/internal/keys"
	"github.com/mbd888/settle/internal/pagination"
	"github.com/mbd888/settle/internal/retry"
)

var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInvalidAuthorization = errors.New("invalid authorization for debit")
	ErrAccountExists        = errors.New("account already exists")
	ErrAccountNotFound      = errors.New("account not found")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrBalanceOverflow      = errors.New("balance overflow")
	ErrNotOwner             = errors.New("account data is writable only by its owner")
	ErrDataSize             = errors.New("account data size mismatch")
	ErrConflict             = errors.New("concurrent update conflict")
	ErrSelfTransfer         = errors.New("program-owned account cannot transfer to itself")
	ErrOffCurveAccount      = errors.New("off-curve address has no key-controlled account")
)

// Entry kinds recorded in the journal.
const (
	EntryTransfer = "transfer"
	EntryDeposit  = "deposit"
	EntryCreate   = "create_account"
)

// Account is a ledger account: a balance plus optional program data.
type Account struct {
	Key       keys.PublicKey `json:"key"`
	Owner     keys.PublicKey `json:"owner"`
	Lamports  uint64         `json:"lamports,string"`
	Data      []byte         `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	if a.Data != nil {
		cp.Data = make([]byte, len(a.Data))
		copy(cp.Data, a.Data)
	}
	return &cp
}

// IsProgramOwned reports whether a program other than the system program
// controls the account.
func (a *Account) IsProgramOwned() bool {
	return a.Owner != keys.SystemProgram
}

// Entry is one journal line.
type Entry struct {
	ID        string         `json:"id"`
	Reference string         `json:"reference,omitempty"`
	Kind      string         `json:"kind"`
	From      keys.PublicKey `json:"from"`
	To        keys.PublicKey `json:"to"`
	Amount    uint64         `json:"amount,string"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Authority is the proof presented when debiting an account.
type Authority struct {
	// Signer is a key whose signature was verified before the request
	// reached the ledger.
	Signer keys.PublicKey
	// Program carries the derivation seeds of a program-owned account.
	Program *custody.Signer
}

// SignedBy authorizes a debit of a key-controlled account.
func SignedBy(k keys.PublicKey) Authority {
	return Authority{Signer: k}
}

// ProgramSigned authorizes a debit of a program-owned account by replaying
// its derivation seeds.
func ProgramSigned(s custody.Signer) Authority {
	return Authority{Program: &s}
}

// Store persists accounts and the journal.
type Store interface {
	Begin(ctx context.Context) (StoreTx, error)
	GetAccount(ctx context.Context, key keys.PublicKey) (*Account, error)
	// ListByOwner returns accounts owned by owner, newest first, starting
	// strictly after cursor when one is given.
	ListByOwner(ctx context.Context, owner keys.PublicKey, cursor *pagination.Cursor, limit int) ([]*Account, error)
	History(ctx context.Context, key keys.PublicKey, limit int) ([]*Entry, error)
	Ping(ctx context.Context) error
}

// StoreTx is a store transaction. Reads observe the transaction's own writes.
type StoreTx interface {
	GetAccount(ctx context.Context, key keys.PublicKey) (*Account, error)
	InsertAccount(ctx context.Context, acct *Account) error
	PutAccount(ctx context.Context, acct *Account) error
	AppendEntry(ctx context.Context, entry *Entry) error
	Commit() error
	Rollback() error
}

// Tx is the view of the ledger given to an Update function.
type Tx interface {
	// Account re-reads an account, including writes made earlier in this Tx.
	Account(ctx context.Context, key keys.PublicKey) (*Account, error)
	// CreateAccount allocates a zeroed data region of size bytes owned by
	// owner. It fails with ErrAccountExists if key is already in use.
	CreateAccount(ctx context.Context, key, owner, payer keys.PublicKey, size int) (*Account, error)
	// Transfer moves amount from one account to another. Crediting a missing
	// off-curve key fails with ErrOffCurveAccount.
	Transfer(ctx context.Context, from, to keys.PublicKey, amount uint64, auth Authority) error
	// WriteData replaces the data of an account owned by program.
	WriteData(ctx context.Context, key, program keys.PublicKey, data []byte) error
}

// Ledger executes units of work against a Store.
type Ledger struct {
	store    Store
	now      func() time.Time
	attempts int
	logger   *slog.Logger
}

// New creates a ledger over store.
func New(store Store) *Ledger {
	return &Ledger{
		store:    store,
		now:      time.Now,
		attempts: 5,
		logger:   slog.Default(),
	}
}

// WithLogger sets a structured logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger
	return l
}

// WithClock overrides the time source stamped on accounts and entries.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	if now != nil {
		l.now = now
	}
	return l
}

// Update runs fn as one atomic unit of work. If fn returns an error, or the
// commit fails, no change made by fn is visible afterwards. Units of work that
// lose a serialization race (ErrConflict) are re-run from the start, so fn
// must not have side effects outside tx.
func (l *Ledger) Update(ctx context.Context, reference string, fn func(tx Tx) error) error {
	policy := retry.Policy{
		Attempts:  l.attempts,
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  250 * time.Millisecond,
		Retryable: func(err error) bool { return errors.Is(err, ErrConflict) },
	}
	return policy.Do(ctx, func() error {
		return l.update(ctx, reference, fn)
	})
}

func (l *Ledger) update(ctx context.Context, reference string, fn func(tx Tx) error) error {
	done := observeOp()

	stx, err := l.store.Begin(ctx)
	if err != nil {
		done("error")
		return fmt.Errorf("ledger: begin: %w", err)
	}
	tx := &txn{stx: stx, reference: reference, now: l.now().UTC()}
	rollback := func() {
		if rbErr := stx.Rollback(); rbErr != nil {
			l.logger.Error("ledger rollback failed", "reference", reference, "error", rbErr)
		}
	}
	// A panicking fn must still release the store transaction.
	defer func() {
		if p := recover(); p != nil {
			rollback()
			done("panicked")
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		rollback()
		if errors.Is(err, ErrConflict) {
			done("conflict")
		} else {
			done("rolled_back")
		}
		return err
	}
	if err := stx.Commit(); err != nil {
		done("error")
		return fmt.Errorf("ledger: commit: %w", err)
	}
	done("committed")

	for kind, n := range tx.counts {
		LedgerEntriesTotal.WithLabelValues(kind).Add(float64(n))
	}
	return nil
}

// Account returns a committed account.
func (l *Ledger) Account(ctx context.Context, key keys.PublicKey) (*Account, error) {
	return l.store.GetAccount(ctx, key)
}

// Balance returns the committed balance of key, zero for unknown accounts.
func (l *Ledger) Balance(ctx context.Context, key keys.PublicKey) (uint64, error) {
	acct, err := l.store.GetAccount(ctx, key)
	if errors.Is(err, ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acct.Lamports, nil
}

// AccountsByOwner lists accounts owned by a program, newest first. Pass the
// cursor of the last account seen to continue a listing.
func (l *Ledger) AccountsByOwner(ctx context.Context, owner keys.PublicKey, cursor *pagination.Cursor, limit int) ([]*Account, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.store.ListByOwner(ctx, owner, cursor, limit)
}

// Cursor returns the listing position just after acct.
func Cursor(acct *Account) *pagination.Cursor {
	return &pagination.Cursor{CreatedAt: acct.CreatedAt, ID: acct.Key.String()}
}

// History returns journal entries touching key, newest first.
func (l *Ledger) History(ctx context.Context, key keys.PublicKey, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, key, limit)
}

// Deposit credits a key-controlled account from outside the ledger.
func (l *Ledger) Deposit(ctx context.Context, key keys.PublicKey, amount uint64, reference string) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	return l.Update(ctx, reference, func(tx Tx) error {
		t := tx.(*txn)
		acct, err := t.loadOrNew(ctx, key)
		if err != nil {
			return err
		}
		if acct.IsProgramOwned() {
			return fmt.Errorf("%w: deposits go to key-controlled accounts only", ErrInvalidAuthorization)
		}
		if err := t.credit(ctx, acct, amount); err != nil {
			return err
		}
		return t.journal(ctx, EntryDeposit, keys.SystemProgram, key, amount)
	})
}

// Ping checks the backing store.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.store.Ping(ctx)
}

type txn struct {
	stx       StoreTx
	reference string
	now       time.Time
	counts    map[string]int
}

func (t *txn) Account(ctx context.Context, key keys.PublicKey) (*Account, error) {
	return t.stx.GetAccount(ctx, key)
}

func (t *txn) CreateAccount(ctx context.Context, key, owner, payer keys.PublicKey, size int) (*Account, error) {
	if size < 0 {
		return nil, ErrDataSize
	}
	acct := &Account{
		Key:       key,
		Owner:     owner,
		Data:      make([]byte, size),
		CreatedAt: t.now,
		UpdatedAt: t.now,
	}
	if err := t.stx.InsertAccount(ctx, acct); err != nil {
		return nil, err
	}
	if err := t.journal(ctx, EntryCreate, payer, key, 0); err != nil {
		return nil, err
	}
	return acct.Clone(), nil
}

func (t *txn) Transfer(ctx context.Context, from, to keys.PublicKey, amount uint64, auth Authority) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	src, err := t.stx.GetAccount(ctx, from)
	missing := errors.Is(err, ErrAccountNotFound)
	if err != nil && !missing {
		return err
	}

	owner := keys.SystemProgram
	if !missing {
		owner = src.Owner
	}
	if err := authorize(from, owner, auth); err != nil {
		return err
	}
	if from == to && owner != keys.SystemProgram {
		return fmt.Errorf("%w: %s", ErrSelfTransfer, from)
	}
	if missing || src.Lamports < amount {
		return fmt.Errorf("%w: %s cannot cover %d", ErrInsufficientFunds, from, amount)
	}

	src.Lamports -= amount
	src.UpdatedAt = t.now
	if err := t.stx.PutAccount(ctx, src); err != nil {
		return err
	}

	// Loaded after the debit is written so that from == to stays consistent.
	dst, err := t.loadOrNew(ctx, to)
	if err != nil {
		return err
	}
	if err := t.credit(ctx, dst, amount); err != nil {
		return err
	}
	return t.journal(ctx, EntryTransfer, from, to, amount)
}

func (t *txn) WriteData(ctx context.Context, key, program keys.PublicKey, data []byte) error {
	acct, err := t.stx.GetAccount(ctx, key)
	if err != nil {
		return err
	}
	if acct.Owner != program || program == keys.SystemProgram {
		return ErrNotOwner
	}
	if len(data) != len(acct.Data) {
		return fmt.Errorf("%w: have %d, write %d", ErrDataSize, len(acct.Data), len(data))
	}
	acct.Data = make([]byte, len(data))
	copy(acct.Data, data)
	acct.UpdatedAt = t.now
	return t.stx.PutAccount(ctx, acct)
}

// loadOrNew returns the account for key, creating an empty key-controlled
// account on first credit. Off-curve keys have no private key, so their
// accounts only come into being through CreateAccount.
func (t *txn) loadOrNew(ctx context.Context, key keys.PublicKey) (*Account, error) {
	acct, err := t.stx.GetAccount(ctx, key)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}
	if !key.IsOnCurve() {
		return nil, fmt.Errorf("%w: %s", ErrOffCurveAccount, key)
	}
	acct = &Account{Key: key, Owner: keys.SystemProgram, CreatedAt: t.now, UpdatedAt: t.now}
	if err := t.stx.InsertAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

func (t *txn) credit(ctx context.Context, acct *Account, amount uint64) error {
	sum, carry := bits.Add64(acct.Lamports, amount, 0)
	if carry != 0 {
		return fmt.Errorf("%w: %s", ErrBalanceOverflow, acct.Key)
	}
	acct.Lamports = sum
	acct.UpdatedAt = t.now
	return t.stx.PutAccount(ctx, acct)
}

func (t *txn) journal(ctx context.Context, kind string, from, to keys.PublicKey, amount uint64) error {
	if t.counts == nil {
		t.counts = make(map[string]int)
	}
	t.counts[kind]++
	return t.stx.AppendEntry(ctx, &Entry{
		ID:        uuid.NewString(),
		Reference: t.reference,
		Kind:      kind,
		From:      from,
		To:        to,
		Amount:    amount,
		CreatedAt: t.now,
	})
}

// authorize checks that auth may debit the account key owned by owner.
func authorize(key, owner keys.PublicKey, auth Authority) error {
	if owner == keys.SystemProgram {
		if auth.Program != nil || auth.Signer != key {
			return fmt.Errorf("%w: %s requires its own signature", ErrInvalidAuthorization, key)
		}
		return nil
	}

	if auth.Program == nil || auth.Program.Program != owner {
		return fmt.Errorf("%w: %s is controlled by program %s", ErrInvalidAuthorization, key, owner)
	}
	derived, err := auth.Program.Address()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAuthorization, err)
	}
	if derived != key {
		return fmt.Errorf("%w: seeds derive %s, not %s", ErrInvalidAuthorization, derived, key)
	}
	return nil
}
