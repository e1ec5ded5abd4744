package escrow

import (
	"github.com/holiman/uint256"
)

// BasisPointsDenominator is the number of basis points in one whole.
const BasisPointsDenominator = 10_000

// MaxFeeBasisPoints is the largest rate cap an engine accepts.
const MaxFeeBasisPoints = BasisPointsDenominator

// Fee is the split of a funded total.
type Fee struct {
	Total uint64
	Fee   uint64
	Net   uint64
}

// ComputeFee splits total at bps basis points. The fee is floored, so any
// remainder of the division stays with the seller. The product is computed at
// 256 bits; no intermediate value is truncated.
func ComputeFee(total uint64, bps uint16) (Fee, error) {
	product, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(total), uint256.NewInt(uint64(bps)))
	if overflow {
		return Fee{}, ErrArithmeticOverflow
	}
	quotient := new(uint256.Int).Div(product, uint256.NewInt(BasisPointsDenominator))
	if !quotient.IsUint64() {
		return Fee{}, ErrArithmeticOverflow
	}

	fee := quotient.Uint64()
	if fee == 0 {
		return Fee{}, ErrFeeTooSmall
	}
	if fee >= total {
		return Fee{}, ErrAmountLessThanFee
	}
	return Fee{Total: total, Fee: fee, Net: total - fee}, nil
}
