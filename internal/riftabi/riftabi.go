// Package riftabi packs and unpacks calldata for the contracts a deposit touches: the ERC-20 deposit
// token, Permit2, the Rift exchange and the swap bundler.
package riftabi

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidInput = errors.New("riftabi: invalid input")
	ErrUnknownError = errors.New("riftabi: unknown error selector")
)

const (
	MinConfirmationBlocks = 2
	ScriptPubKeyLen       = 25
)

// BlockLeaf mirrors the exchange's BlockLeaf struct.
type BlockLeaf struct {
	BlockHash           [32]byte
	Height              uint32
	CumulativeChainwork *big.Int
}

// DepositLiquidityParams mirrors the exchange's DepositLiquidityParams struct. Field names follow the
// Solidity component names so the ABI packer can match them.
type DepositLiquidityParams struct {
	DepositOwnerAddress    common.Address
	SpecifiedPayoutAddress common.Address
	DepositAmount          *big.Int
	ExpectedSats           uint64
	BtcPayoutScriptPubKey  [ScriptPubKeyLen]byte
	DepositSalt            [32]byte
	ConfirmationBlocks     uint8
	TipBlockLeaf           BlockLeaf
	TipBlockSiblings       [][32]byte
	TipBlockPeaks          [][32]byte
}

type TokenPermissions struct {
	Token  common.Address
	Amount *big.Int
}

// PermitTransferFrom mirrors ISignatureTransfer.PermitTransferFrom.
type PermitTransferFrom struct {
	Permitted TokenPermissions
	Nonce     *big.Int
	Deadline  *big.Int
}

// SwapAndDeposit is the argument list of the bundler's executeSwapAndDeposit.
type SwapAndDeposit struct {
	SwapCalldata []byte
	SwapRouter   common.Address
	Permit       PermitTransferFrom
	Owner        common.Address
	Signature    []byte
	Params       DepositLiquidityParams
}

var (
	initOnce sync.Once
	initErr  error

	erc20ABI    abi.ABI
	permit2ABI  abi.ABI
	exchangeABI abi.ABI
	bundlerABI  abi.ABI

	errorsBySelector map[[4]byte]abi.Error
)

func initABI() error {
	initOnce.Do(func() {
		parse := func(name, js string, dst *abi.ABI) bool {
			a, err := abi.JSON(strings.NewReader(js))
			if err != nil {
				initErr = fmt.Errorf("riftabi: parse %s ABI: %w", name, err)
				return false
			}
			*dst = a
			return true
		}
		if !parse("erc20", erc20ABIJSON, &erc20ABI) ||
			!parse("permit2", permit2ABIJSON, &permit2ABI) ||
			!parse("exchange", exchangeABIJSON, &exchangeABI) ||
			!parse("bundler", bundlerABIJSON, &bundlerABI) {
			return
		}

		errorsBySelector = make(map[[4]byte]abi.Error)
		for _, a := range []abi.ABI{erc20ABI, permit2ABI, exchangeABI, bundlerABI} {
			for _, e := range a.Errors {
				var sel [4]byte
				copy(sel[:], e.ID[:4])
				errorsBySelector[sel] = e
			}
		}
	})
	return initErr
}

func PackBalanceOf(account common.Address) ([]byte, error) {
	return pack(&erc20ABI, "balanceOf", account)
}

func PackAllowance(owner, spender common.Address) ([]byte, error) {
	return pack(&erc20ABI, "allowance", owner, spender)
}

func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: approve amount must be >= 0", ErrInvalidInput)
	}
	return pack(&erc20ABI, "approve", spender, amount)
}

func PackNonceBitmap(owner common.Address, wordPos *big.Int) ([]byte, error) {
	if wordPos == nil || wordPos.Sign() < 0 {
		return nil, fmt.Errorf("%w: word position must be >= 0", ErrInvalidInput)
	}
	return pack(&permit2ABI, "nonceBitmap", owner, wordPos)
}

// UnpackUint256 decodes the single uint256 return value of balanceOf, allowance or nonceBitmap.
func UnpackUint256(method string, data []byte) (*big.Int, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	var a abi.ABI
	switch method {
	case "balanceOf", "allowance":
		a = erc20ABI
	case "nonceBitmap":
		a = permit2ABI
	default:
		return nil, fmt.Errorf("%w: %q does not return uint256", ErrInvalidInput, method)
	}
	vals, err := a.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("riftabi: unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("riftabi: unpack %s: got %d values", method, len(vals))
	}
	v, ok := vals[0].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("riftabi: unpack %s: got %T", method, vals[0])
	}
	return v, nil
}

func PackDepositLiquidity(p DepositLiquidityParams) ([]byte, error) {
	if err := validateParams(p); err != nil {
		return nil, err
	}
	return pack(&exchangeABI, "depositLiquidity", p)
}

func PackExecuteSwapAndDeposit(s SwapAndDeposit) ([]byte, error) {
	if err := validateParams(s.Params); err != nil {
		return nil, err
	}
	if (s.SwapRouter == common.Address{}) {
		return nil, fmt.Errorf("%w: swap router must be non-zero", ErrInvalidInput)
	}
	if (s.Owner == common.Address{}) {
		return nil, fmt.Errorf("%w: owner must be non-zero", ErrInvalidInput)
	}
	if len(s.Signature) != 65 {
		return nil, fmt.Errorf("%w: permit signature must be 65 bytes, got %d", ErrInvalidInput, len(s.Signature))
	}
	if s.Permit.Permitted.Amount == nil || s.Permit.Permitted.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: permit amount must be > 0", ErrInvalidInput)
	}
	if s.Permit.Nonce == nil || s.Permit.Nonce.Sign() < 0 || s.Permit.Deadline == nil || s.Permit.Deadline.Sign() <= 0 {
		return nil, fmt.Errorf("%w: permit nonce and deadline must be set", ErrInvalidInput)
	}
	return pack(&bundlerABI, "executeSwapAndDeposit",
		s.SwapCalldata, s.SwapRouter, s.Permit, s.Owner, s.Signature, s.Params)
}

// UnpackDepositLiquidity decodes depositLiquidity calldata, selector included.
func UnpackDepositLiquidity(calldata []byte) (DepositLiquidityParams, error) {
	var out DepositLiquidityParams
	if err := unpackCall(&exchangeABI, "depositLiquidity", calldata, &out); err != nil {
		return DepositLiquidityParams{}, err
	}
	return out, nil
}

// UnpackExecuteSwapAndDeposit decodes executeSwapAndDeposit calldata, selector included.
func UnpackExecuteSwapAndDeposit(calldata []byte) (SwapAndDeposit, error) {
	var out SwapAndDeposit
	if err := unpackCall(&bundlerABI, "executeSwapAndDeposit", calldata, &out); err != nil {
		return SwapAndDeposit{}, err
	}
	return out, nil
}

func unpackCall(a *abi.ABI, method string, calldata []byte, dst any) error {
	if err := initABI(); err != nil {
		return err
	}
	m := a.Methods[method]
	if len(calldata) < 4 || !bytes.Equal(calldata[:4], m.ID) {
		return fmt.Errorf("%w: calldata is not a %s call", ErrInvalidInput, method)
	}
	vals, err := m.Inputs.Unpack(calldata[4:])
	if err != nil {
		return fmt.Errorf("riftabi: unpack %s: %w", method, err)
	}
	if err := m.Inputs.Copy(dst, vals); err != nil {
		return fmt.Errorf("riftabi: copy %s: %w", method, err)
	}
	return nil
}

// PackError builds revert data for a known custom error.
func PackError(name string, args ...any) ([]byte, error) {
	sel, err := ErrorSelector(name)
	if err != nil {
		return nil, err
	}
	e := errorsBySelector[sel]
	enc, err := e.Inputs.Pack(args...)
	if err != nil {
		return nil, fmt.Errorf("riftabi: pack %s: %w", name, err)
	}
	return append(sel[:], enc...), nil
}

// ErrorSelector returns the 4-byte selector of a known contract error, such as "InvalidNonce".
func ErrorSelector(name string) ([4]byte, error) {
	var sel [4]byte
	if err := initABI(); err != nil {
		return sel, err
	}
	for s, e := range errorsBySelector {
		if e.Name == name {
			return s, nil
		}
	}
	return sel, fmt.Errorf("%w: %s", ErrUnknownError, name)
}

// DecodedError is a custom contract error recovered from revert data.
type DecodedError struct {
	Name     string
	Selector [4]byte
	Args     []any
}

// DecodeError matches the selector of data against every custom error of the four contracts and
// unpacks its arguments.
func DecodeError(data []byte) (*DecodedError, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: revert data shorter than a selector", ErrInvalidInput)
	}
	var sel [4]byte
	copy(sel[:], data[:4])
	e, ok := errorsBySelector[sel]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%x", ErrUnknownError, sel)
	}
	args, err := e.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("riftabi: unpack %s: %w", e.Name, err)
	}
	return &DecodedError{Name: e.Name, Selector: sel, Args: args}, nil
}

// ErrorNames lists every known custom error name, sorted.
func ErrorNames() ([]string, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(errorsBySelector))
	for _, e := range errorsBySelector {
		out = append(out, e.Name)
	}
	sort.Strings(out)
	return out, nil
}

func validateParams(p DepositLiquidityParams) error {
	if (p.DepositOwnerAddress == common.Address{}) {
		return fmt.Errorf("%w: deposit owner must be non-zero", ErrInvalidInput)
	}
	if (p.SpecifiedPayoutAddress == common.Address{}) {
		return fmt.Errorf("%w: payout address must be non-zero", ErrInvalidInput)
	}
	if p.DepositAmount == nil || p.DepositAmount.Sign() <= 0 {
		return fmt.Errorf("%w: deposit amount must be > 0", ErrInvalidInput)
	}
	if p.ExpectedSats == 0 {
		return fmt.Errorf("%w: expected sats must be > 0", ErrInvalidInput)
	}
	if p.ConfirmationBlocks < MinConfirmationBlocks {
		return fmt.Errorf("%w: confirmation blocks must be >= %d", ErrInvalidInput, MinConfirmationBlocks)
	}
	if bytes.Equal(p.BtcPayoutScriptPubKey[:], make([]byte, ScriptPubKeyLen)) {
		return fmt.Errorf("%w: payout script must be set", ErrInvalidInput)
	}
	if p.TipBlockLeaf.CumulativeChainwork == nil || p.TipBlockLeaf.CumulativeChainwork.Sign() < 0 {
		return fmt.Errorf("%w: tip chainwork must be >= 0", ErrInvalidInput)
	}
	return nil
}

func pack(a *abi.ABI, method string, args ...any) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := a.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("riftabi: pack %s calldata: %w", method, err)
	}
	return b, nil
}
