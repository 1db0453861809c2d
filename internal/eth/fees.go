package eth

import (
	"errors"
	"math/big"
)

var ErrInvalidFeeArgs = errors.New("eth: invalid fee args")

const defaultBaseFeeMultiplier = 2

// FeePolicy derives EIP-1559 fee caps from the latest block base fee.
//
//	tipCap = max(suggestedTipCap, MinTipCap)
//	feeCap = BaseFeeMultiplier*baseFee + tipCap
type FeePolicy struct {
	MinTipCap         *big.Int
	BaseFeeMultiplier int64
}

func (p FeePolicy) Caps(baseFee, suggestedTipCap *big.Int) (tipCap, feeCap *big.Int, err error) {
	if baseFee == nil || suggestedTipCap == nil {
		return nil, nil, ErrInvalidFeeArgs
	}
	if baseFee.Sign() < 0 || suggestedTipCap.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}
	if p.MinTipCap != nil && p.MinTipCap.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}
	mult := p.BaseFeeMultiplier
	if mult <= 0 {
		mult = defaultBaseFeeMultiplier
	}

	tip := new(big.Int).Set(suggestedTipCap)
	if p.MinTipCap != nil && tip.Cmp(p.MinTipCap) < 0 {
		tip.Set(p.MinTipCap)
	}

	fee := new(big.Int).Mul(baseFee, big.NewInt(mult))
	fee.Add(fee, tip)
	return tip, fee, nil
}
