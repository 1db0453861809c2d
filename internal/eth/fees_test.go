package eth

import (
	"errors"
	"math/big"
	"testing"
)

func bi(v int64) *big.Int { return big.NewInt(v) }

func TestFeePolicy_UsesMinTipAndTwoXBaseFee(t *testing.T) {
	t.Parallel()

	tip, fee, err := FeePolicy{MinTipCap: bi(5)}.Caps(bi(100), bi(2))
	if err != nil {
		t.Fatalf("Caps: %v", err)
	}
	if tip.Cmp(bi(5)) != 0 {
		t.Fatalf("tip: got %s want %s", tip, bi(5))
	}
	// feeCap = 2*baseFee + tip = 205
	if fee.Cmp(bi(205)) != 0 {
		t.Fatalf("fee: got %s want %s", fee, bi(205))
	}
}

func TestFeePolicy_CustomMultiplierKeepsSuggestedTip(t *testing.T) {
	t.Parallel()

	tip, fee, err := FeePolicy{MinTipCap: bi(1), BaseFeeMultiplier: 3}.Caps(bi(10), bi(4))
	if err != nil {
		t.Fatalf("Caps: %v", err)
	}
	if tip.Cmp(bi(4)) != 0 {
		t.Fatalf("tip: got %s want 4", tip)
	}
	if fee.Cmp(bi(34)) != 0 {
		t.Fatalf("fee: got %s want 34", fee)
	}
}

func TestFeePolicy_RejectsInvalidArgs(t *testing.T) {
	t.Parallel()

	if _, _, err := (FeePolicy{}).Caps(nil, bi(1)); !errors.Is(err, ErrInvalidFeeArgs) {
		t.Fatalf("nil base fee: got %v", err)
	}
	if _, _, err := (FeePolicy{}).Caps(bi(-1), bi(1)); !errors.Is(err, ErrInvalidFeeArgs) {
		t.Fatalf("negative base fee: got %v", err)
	}
	if _, _, err := (FeePolicy{MinTipCap: bi(-1)}).Caps(bi(1), bi(1)); !errors.Is(err, ErrInvalidFeeArgs) {
		t.Fatalf("negative min tip: got %v", err)
	}
}
