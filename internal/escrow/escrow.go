// Package escrow holds marketplace payments in program-controlled custody
// until a trusted authority settles them.
//
// Flow:
//  1. Buyer funds → total moves buyer → custody, fee moves custody → fee wallet
//  2. Authority releases → net moves custody → seller
//  3. Authority cancels → net moves custody → buyer (the fee is not returned)
//
// The escrow record lives in the data of its custody account, so the record
// and the funds it describes always change in the same ledger transaction.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mbd888/settle/internal/custody"
	"github.com/mbd888/settle/internal/keys"
	"github.com/mbd888/settle/internal/ledger"
	"github.com/mbd888/settle/internal/pagination"
	"github.com/mbd888/settle/internal/syncutil"
)

// Validation errors.
var (
	ErrZeroAmount            = errors.New("amount must be greater than zero")
	ErrInvalidFeeBasisPoints = errors.New("fee basis points out of range")
	ErrMinimumAmount         = errors.New("amount below escrow minimum")
	ErrNetAmountTooSmall     = errors.New("net amount below minimum after fee")
	ErrFeeTooSmall           = errors.New("fee rounds down to zero")
	ErrAmountLessThanFee     = errors.New("fee consumes the whole amount")
	ErrArithmeticOverflow    = errors.New("arithmetic overflow")
)

// Authorization errors.
var (
	ErrUnauthorized          = errors.New("caller is not the escrow authority")
	ErrUnauthorizedAuthority = errors.New("authority is not the marketplace authority")
	ErrIncorrectFeeWallet    = errors.New("fee wallet is not the marketplace fee wallet")
	ErrRecipientNotSeller    = errors.New("recipient is not the escrow seller")
	ErrRecipientNotBuyer     = errors.New("recipient is not the escrow buyer")
	ErrCustodyMismatch       = errors.New("custody account does not belong to this escrow")
	ErrPartyIsCustody        = errors.New("buyer or seller is the escrow's own custody account")
)

// State errors.
var (
	ErrNotInitialized   = errors.New("escrow not initialized")
	ErrAlreadyProcessed = errors.New("escrow already processed or not funded")
	ErrEscrowExists     = errors.New("escrow already exists for transaction")
	ErrInvalidRecord    = errors.New("custody account data is not an escrow record")
)

// Configuration errors. These are fatal at startup.
var (
	ErrInvalidAuthorityAddress = errors.New("invalid marketplace authority address")
	ErrInvalidFeeWalletAddress = errors.New("invalid marketplace fee wallet address")
	ErrInvalidProgramID        = errors.New("invalid escrow program id")
)

// Stage is the lifecycle position of an escrow.
type Stage uint8

const (
	StageFunded    Stage = 0
	StageReleased  Stage = 1
	StageCancelled Stage = 2
)

func (s Stage) String() string {
	switch s {
	case StageFunded:
		return "funded"
	case StageReleased:
		return "released"
	case StageCancelled:
		return "cancelled"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s <= StageCancelled
}

// IsTerminal returns true if the escrow can no longer change.
func (s Stage) IsTerminal() bool {
	return s == StageReleased || s == StageCancelled
}

func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown stage %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(text []byte) error {
	v, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStage parses the text form of a stage.
func ParseStage(s string) (Stage, error) {
	switch s {
	case "funded":
		return StageFunded, nil
	case "released":
		return StageReleased, nil
	case "cancelled":
		return StageCancelled, nil
	}
	return 0, fmt.Errorf("unknown stage %q", s)
}

// Escrow is a decoded escrow record together with the custody account that
// holds it.
type Escrow struct {
	Custody keys.PublicKey `json:"custody"`
	// TransactionID is set when the escrow was looked up or created by id.
	// The persisted record does not carry it.
	TransactionID uint64         `json:"transactionId,string,omitempty"`
	Buyer         keys.PublicKey `json:"buyer"`
	Seller        keys.PublicKey `json:"seller"`
	Authority     keys.PublicKey `json:"authority"`
	TotalAmount   uint64         `json:"totalAmount,string"`
	FeeAmount     uint64         `json:"feeAmount,string"`
	NetAmount     uint64         `json:"netAmount,string"`
	Stage         Stage          `json:"stage"`
	Initialized   bool           `json:"initialized"`
	Bump          uint8          `json:"bump"`
	CreatedAt     int64          `json:"createdAt"`
	CompletedAt   int64          `json:"completedAt,omitempty"`
	// Balance is the custody account's current balance.
	Balance uint64 `json:"balance,string"`
}

// Params are the engine's trusted identities and limits.
type Params struct {
	ProgramID keys.PublicKey
	Authority keys.PublicKey
	FeeWallet keys.PublicKey
	// RateCap is the largest accepted fee in basis points.
	RateCap uint16
	// MinTotal and MinNet are floors on the funded and net amounts. Zero
	// disables the floor.
	MinTotal uint64
	MinNet   uint64
}

// Validate checks the configuration. Errors are fatal at startup.
func (p Params) Validate() error {
	if p.ProgramID.IsZero() {
		return ErrInvalidProgramID
	}
	if p.Authority.IsZero() || !p.Authority.IsOnCurve() {
		return ErrInvalidAuthorityAddress
	}
	if p.FeeWallet.IsZero() {
		return ErrInvalidFeeWalletAddress
	}
	if p.RateCap == 0 || p.RateCap > MaxFeeBasisPoints {
		return fmt.Errorf("%w: rate cap %d", ErrInvalidFeeBasisPoints, p.RateCap)
	}
	return nil
}

// FundRequest opens an escrow. The buyer's signature has been verified by
// the caller.
type FundRequest struct {
	TransactionID  uint64
	TotalAmount    uint64
	FeeBasisPoints uint16
	Buyer          keys.PublicKey
	Seller         keys.PublicKey
	Authority      keys.PublicKey
	FeeWallet      keys.PublicKey
}

// SettleRequest releases or cancels an escrow. Custody is the custody
// account the caller names; the engine verifies it against the stored bump.
type SettleRequest struct {
	TransactionID uint64
	Caller        keys.PublicKey
	Custody       keys.PublicKey
	Recipient     keys.PublicKey
}

// Filter narrows List results.
type Filter struct {
	// Party matches escrows where the key is buyer or seller.
	Party *keys.PublicKey
	Stage *Stage
	// Cursor continues a previous listing.
	Cursor *pagination.Cursor
	Limit  int
}

// Ledger is the subset of the ledger the engine uses.
type Ledger interface {
	Update(ctx context.Context, reference string, fn func(tx ledger.Tx) error) error
	Account(ctx context.Context, key keys.PublicKey) (*ledger.Account, error)
	AccountsByOwner(ctx context.Context, owner keys.PublicKey, cursor *pagination.Cursor, limit int) ([]*ledger.Account, error)
}

// Engine runs escrow operations against a ledger.
type Engine struct {
	ledger  Ledger
	params  Params
	now     func() time.Time
	emitter Emitter
	locks   *syncutil.KeyedMutex
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithEmitter sets the sink for escrow events.
func WithEmitter(em Emitter) Option {
	return func(e *Engine) {
		if em != nil {
			e.emitter = em
		}
	}
}

// WithLogger sets a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates an engine. It fails if params are invalid.
func NewEngine(l Ledger, params Params, opts ...Option) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		ledger:  l,
		params:  params,
		now:     time.Now,
		emitter: NoopEmitter{},
		locks:   syncutil.NewKeyedMutex(0),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Params returns the engine's configuration.
func (e *Engine) Params() Params {
	return e.params
}

// Locate derives the custody account and bump for txID. Clients call it to
// name the custody account in a SettleRequest.
func (e *Engine) Locate(txID uint64) (keys.PublicKey, uint8, error) {
	return custody.Locate(e.params.ProgramID, txID)
}

// Get returns the escrow for txID.
func (e *Engine) Get(ctx context.Context, txID uint64) (*Escrow, error) {
	addr, _, err := e.Locate(txID)
	if err != nil {
		return nil, err
	}
	esc, err := e.GetByCustody(ctx, addr)
	if err != nil {
		return nil, err
	}
	esc.TransactionID = txID
	return esc, nil
}

// GetByCustody returns the escrow stored in a custody account.
func (e *Engine) GetByCustody(ctx context.Context, addr keys.PublicKey) (*Escrow, error) {
	acct, err := e.ledger.Account(ctx, addr)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("load custody %s: %w", addr, err)
	}
	return e.fromAccount(acct)
}

// List returns escrows newest first. The returned cursor is empty when there
// are no more results.
func (e *Engine) List(ctx context.Context, f Filter) ([]*Escrow, string, error) {
	limit := f.Limit
	if limit <= 0 || limit > pagination.MaxLimit {
		limit = pagination.DefaultLimit
	}

	type listed struct {
		esc  *Escrow
		acct *ledger.Account
	}
	var matched []listed
	cursor := f.Cursor

	// Filtering happens after decoding, so scan pages until limit+1 matches
	// are found or the program's accounts run out.
	for len(matched) <= limit {
		page, err := e.ledger.AccountsByOwner(ctx, e.params.ProgramID, cursor, 2*limit)
		if err != nil {
			return nil, "", err
		}
		for _, acct := range page {
			esc, err := e.fromAccount(acct)
			if err != nil || !f.matches(esc) {
				continue
			}
			matched = append(matched, listed{esc: esc, acct: acct})
			if len(matched) > limit {
				break
			}
		}
		if len(page) < 2*limit {
			break
		}
		cursor = ledger.Cursor(page[len(page)-1])
	}

	page, next, _ := pagination.ComputePage(matched, limit, func(l listed) (time.Time, string) {
		c := ledger.Cursor(l.acct)
		return c.CreatedAt, c.ID
	})
	result := make([]*Escrow, len(page))
	for i, l := range page {
		result[i] = l.esc
	}
	return result, next, nil
}

func (f Filter) matches(esc *Escrow) bool {
	if f.Party != nil && esc.Buyer != *f.Party && esc.Seller != *f.Party {
		return false
	}
	if f.Stage != nil && esc.Stage != *f.Stage {
		return false
	}
	return true
}

// Decode reads the escrow held in a custody account without any ledger
// access. Auditors use it on accounts listed by owner.
func (e *Engine) Decode(acct *ledger.Account) (*Escrow, error) {
	return e.fromAccount(acct)
}

func (e *Engine) fromAccount(acct *ledger.Account) (*Escrow, error) {
	if acct.Owner != e.params.ProgramID {
		return nil, ErrCustodyMismatch
	}
	esc, err := decodeRecord(acct.Data)
	if err != nil {
		return nil, err
	}
	esc.Custody = acct.Key
	esc.Balance = acct.Lamports
	return esc, nil
}

func reference(txID uint64, op string) string {
	return "escrow:" + strconv.FormatUint(txID, 10) + ":" + op
}

func lockKey(txID uint64) string {
	return strconv.FormatUint(txID, 10)
}
