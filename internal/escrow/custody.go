package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/settle/internal/custody"
	"github.com/mbd888/settle/internal/ledger"
	"github.com/mbd888/settle/internal/traces"
)

// Fund opens an escrow: it creates the custody account for the transaction,
// moves the total from the buyer into custody, forwards the fee to the fee
// wallet and writes the record. Nothing moves unless every step succeeds.
func (e *Engine) Fund(ctx context.Context, req FundRequest) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Fund",
		traces.TransactionID(req.TransactionID),
		traces.Amount(req.TotalAmount),
		traces.FeeBasisPoints(req.FeeBasisPoints),
	)
	done := observeOp("fund")
	defer func() {
		traces.RecordError(span, err)
		span.End()
		done(err)
	}()

	fee, err := e.validateFund(req)
	if err != nil {
		return nil, err
	}

	addr, bump, err := e.Locate(req.TransactionID)
	if err != nil {
		return nil, err
	}
	if err := validateParties(req, addr); err != nil {
		return nil, err
	}
	span.SetAttributes(traces.Custody(addr))
	signer := custody.EscrowSigner(e.params.ProgramID, req.TransactionID, bump)

	unlock, err := e.locks.Lock(ctx, lockKey(req.TransactionID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	esc := &Escrow{
		Custody:       addr,
		TransactionID: req.TransactionID,
		Buyer:         req.Buyer,
		Seller:        req.Seller,
		Authority:     req.Authority,
		TotalAmount:   fee.Total,
		FeeAmount:     fee.Fee,
		NetAmount:     fee.Net,
		Stage:         StageFunded,
		Initialized:   true,
		Bump:          bump,
		CreatedAt:     e.now().Unix(),
	}

	err = e.ledger.Update(ctx, reference(req.TransactionID, "fund"), func(tx ledger.Tx) error {
		if _, err := tx.CreateAccount(ctx, addr, e.params.ProgramID, req.Buyer, RecordSize); err != nil {
			if errors.Is(err, ledger.ErrAccountExists) {
				return fmt.Errorf("%w: %d", ErrEscrowExists, req.TransactionID)
			}
			return fmt.Errorf("create custody: %w", err)
		}
		if err := tx.Transfer(ctx, req.Buyer, addr, fee.Total, ledger.SignedBy(req.Buyer)); err != nil {
			return fmt.Errorf("deposit into custody: %w", err)
		}

		held, err := tx.Account(ctx, addr)
		if err != nil {
			return fmt.Errorf("reload custody: %w", err)
		}
		if held.Lamports < fee.Fee {
			return fmt.Errorf("%w: custody holds %d, fee %d", ErrArithmeticOverflow, held.Lamports, fee.Fee)
		}
		if err := tx.Transfer(ctx, addr, req.FeeWallet, fee.Fee, ledger.ProgramSigned(signer)); err != nil {
			return fmt.Errorf("collect fee: %w", err)
		}

		esc.Balance = held.Lamports - fee.Fee
		return tx.WriteData(ctx, addr, e.params.ProgramID, encodeRecord(esc))
	})
	if err != nil {
		return nil, err
	}

	FeesCollectedTotal.Add(float64(fee.Fee))
	e.logger.Info("escrow funded",
		"txId", req.TransactionID,
		"custody", addr.String(),
		"buyer", req.Buyer.Short(),
		"seller", req.Seller.Short(),
		"total", fee.Total,
		"fee", fee.Fee,
		"net", fee.Net,
	)
	e.emit(ctx, createdEvent(esc))
	return esc, nil
}

// Release pays the held net amount to the seller.
func (e *Engine) Release(ctx context.Context, req SettleRequest) (*Escrow, error) {
	return e.settle(ctx, req, StageReleased)
}

// Cancel returns the held net amount to the buyer. The fee collected at
// funding is not returned.
func (e *Engine) Cancel(ctx context.Context, req SettleRequest) (*Escrow, error) {
	return e.settle(ctx, req, StageCancelled)
}

func (e *Engine) settle(ctx context.Context, req SettleRequest, to Stage) (_ *Escrow, err error) {
	op, action := "release", ActionReleased
	if to == StageCancelled {
		op, action = "cancel", ActionCancelled
	}

	ctx, span := traces.StartSpan(ctx, "escrow."+op,
		traces.TransactionID(req.TransactionID),
		traces.Custody(req.Custody),
	)
	done := observeOp(op)
	defer func() {
		traces.RecordError(span, err)
		span.End()
		done(err)
	}()

	// Only the marketplace authority may settle; checked before the record
	// is read.
	if req.Caller != e.params.Authority {
		return nil, ErrUnauthorized
	}

	unlock, err := e.locks.Lock(ctx, lockKey(req.TransactionID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var esc *Escrow
	err = e.ledger.Update(ctx, reference(req.TransactionID, op), func(tx ledger.Tx) error {
		acct, err := tx.Account(ctx, req.Custody)
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return ErrNotInitialized
		}
		if err != nil {
			return fmt.Errorf("load custody: %w", err)
		}
		if acct.Owner != e.params.ProgramID {
			return fmt.Errorf("%w: owned by %s", ErrCustodyMismatch, acct.Owner)
		}
		rec, err := decodeRecord(acct.Data)
		if err != nil {
			return err
		}

		signer := custody.EscrowSigner(e.params.ProgramID, req.TransactionID, rec.Bump)
		derived, err := signer.Address()
		if err != nil || derived != req.Custody {
			return fmt.Errorf("%w: transaction %d", ErrCustodyMismatch, req.TransactionID)
		}

		want, notParty := rec.Seller, ErrRecipientNotSeller
		if to == StageCancelled {
			want, notParty = rec.Buyer, ErrRecipientNotBuyer
		}
		if err := validateSettle(rec, req.Caller, req.Recipient, want, notParty); err != nil {
			return err
		}

		if err := tx.Transfer(ctx, req.Custody, req.Recipient, rec.NetAmount, ledger.ProgramSigned(signer)); err != nil {
			return fmt.Errorf("pay out custody: %w", err)
		}

		rec.Stage = to
		rec.CompletedAt = e.now().Unix()
		if err := tx.WriteData(ctx, req.Custody, e.params.ProgramID, encodeRecord(rec)); err != nil {
			return err
		}

		rec.Custody = req.Custody
		rec.TransactionID = req.TransactionID
		rec.Balance = acct.Lamports - rec.NetAmount
		esc = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	SettledAmountTotal.WithLabelValues(action).Add(float64(esc.NetAmount))
	e.logger.Info("escrow "+action,
		"txId", req.TransactionID,
		"custody", req.Custody.String(),
		"recipient", req.Recipient.Short(),
		"amount", esc.NetAmount,
	)
	e.emit(ctx, completedEvent(esc, action))
	return esc, nil
}

// Settle dispatches to Release or Cancel by action name.
func (e *Engine) Settle(ctx context.Context, action string, req SettleRequest) (*Escrow, error) {
	switch action {
	case ActionReleased:
		return e.Release(ctx, req)
	case ActionCancelled:
		return e.Cancel(ctx, req)
	}
	return nil, fmt.Errorf("unknown settlement action %q", action)
}
