package escrow

import (
	"fmt"

	"github.com/mbd888/settle/internal/keys"
)

// validateFund checks a funding request before any value moves and returns
// the fee split.
func (e *Engine) validateFund(req FundRequest) (Fee, error) {
	if req.TotalAmount == 0 {
		return Fee{}, ErrZeroAmount
	}
	if req.FeeBasisPoints == 0 || req.FeeBasisPoints > e.params.RateCap {
		return Fee{}, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidFeeBasisPoints, req.FeeBasisPoints, e.params.RateCap)
	}
	if e.params.MinTotal > 0 && req.TotalAmount < e.params.MinTotal {
		return Fee{}, fmt.Errorf("%w: %d < %d", ErrMinimumAmount, req.TotalAmount, e.params.MinTotal)
	}
	if req.Authority != e.params.Authority {
		return Fee{}, ErrUnauthorizedAuthority
	}
	if req.FeeWallet != e.params.FeeWallet {
		return Fee{}, ErrIncorrectFeeWallet
	}

	fee, err := ComputeFee(req.TotalAmount, req.FeeBasisPoints)
	if err != nil {
		return Fee{}, err
	}
	if e.params.MinNet > 0 && fee.Net < e.params.MinNet {
		return Fee{}, fmt.Errorf("%w: %d < %d", ErrNetAmountTooSmall, fee.Net, e.params.MinNet)
	}
	return fee, nil
}

// validateParties rejects a buyer or seller that is the custody account
// itself: settling would then move funds from custody back into custody.
func validateParties(req FundRequest, addr keys.PublicKey) error {
	if req.Seller == addr || req.Buyer == addr {
		return ErrPartyIsCustody
	}
	return nil
}

// validateSettle checks a loaded record against a release or cancel request.
// want is the party the recipient must match.
func validateSettle(rec *Escrow, caller, recipient, want keys.PublicKey, notParty error) error {
	if caller != rec.Authority {
		return ErrUnauthorized
	}
	if !rec.Initialized {
		return ErrNotInitialized
	}
	if rec.Stage != StageFunded {
		return fmt.Errorf("%w: stage %s", ErrAlreadyProcessed, rec.Stage)
	}
	if recipient != want {
		return notParty
	}
	if rec.NetAmount == 0 {
		return ErrZeroAmount
	}
	return nil
}
