package deposit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/riftexchange/rift-client/internal/chainproof"
	"github.com/riftexchange/rift-client/internal/eth"
	"github.com/riftexchange/rift-client/internal/riftabi"
)

// Status is the single user-visible state of the current attempt.
type Status uint8

const (
	StatusIdle Status = iota
	StatusWaitingForWalletConfirmation
	StatusWaitingForDepositTokenApproval
	StatusApprovalPending
	StatusWaitingForDepositApproval
	StatusDepositPending
	StatusConfirmed
	StatusError
)

var statusNames = [...]string{
	StatusIdle:                           "Idle",
	StatusWaitingForWalletConfirmation:   "WaitingForWalletConfirmation",
	StatusWaitingForDepositTokenApproval: "WaitingForDepositTokenApproval",
	StatusApprovalPending:                "ApprovalPending",
	StatusWaitingForDepositApproval:      "WaitingForDepositApproval",
	StatusDepositPending:                 "DepositPending",
	StatusConfirmed:                      "Confirmed",
	StatusError:                          "Error",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Terminal reports whether the status ends an attempt. A terminal attempt needs Reset before the
// next Execute.
func (s Status) Terminal() bool { return s == StatusConfirmed || s == StatusError }

func (s Status) Valid() bool { return int(s) < len(statusNames) }

func ParseStatus(v string) (Status, error) {
	for i, n := range statusNames {
		if n == v {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("deposit: unknown status %q", v)
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Kind tells a plain deposit from a swap-and-deposit.
type Kind string

const (
	KindDeposit Kind = "deposit"
	KindSwap    Kind = "swap"
)

// Failure is the structured error of an attempt that ended in StatusError.
type Failure struct {
	Kind eth.ErrorKind
	// Message is the raw error text, or its JSON encoding when the text is empty.
	Message string
	// Reason is the decoded, human-readable cause.
	Reason string
}

func (f Failure) Retryable() bool { return f.Kind.Retryable() }

// State is a snapshot of the orchestrator.
type State struct {
	AttemptID common.Hash
	Kind      Kind
	Status    Status
	TxHash    common.Hash // zero until the deposit transaction is broadcast
	Failure   *Failure
}

// DepositLiquidityParams is everything one deposit needs. Build it with NewDepositLiquidityParams;
// the orchestrator copies it on entry so callers cannot change an attempt in flight.
type DepositLiquidityParams struct {
	ExchangeAddress common.Address
	Token           common.Address

	SpecifiedPayoutAddress common.Address
	DepositAmount          *big.Int
	ExpectedSats           uint64
	// BTCPayoutScriptPubKey is at most 25 bytes; shorter scripts are zero-padded on the wire.
	BTCPayoutScriptPubKey []byte
	DepositSalt           [32]byte
	ConfirmationBlocks    uint8
	TipProof              chainproof.TipProof
}

// NewDepositLiquidityParams validates p and returns a deep copy.
func NewDepositLiquidityParams(p DepositLiquidityParams) (DepositLiquidityParams, error) {
	switch {
	case p.ExchangeAddress == common.Address{}:
		return DepositLiquidityParams{}, fmt.Errorf("%w: exchange address must be non-zero", ErrInvalidParams)
	case p.Token == common.Address{}:
		return DepositLiquidityParams{}, fmt.Errorf("%w: token must be non-zero", ErrInvalidParams)
	case p.SpecifiedPayoutAddress == common.Address{}:
		return DepositLiquidityParams{}, fmt.Errorf("%w: payout address must be non-zero", ErrInvalidParams)
	case p.DepositAmount == nil || p.DepositAmount.Sign() <= 0:
		return DepositLiquidityParams{}, fmt.Errorf("%w: deposit amount must be > 0", ErrInvalidParams)
	case p.DepositAmount.BitLen() > 256:
		return DepositLiquidityParams{}, fmt.Errorf("%w: deposit amount exceeds uint256", ErrInvalidParams)
	case p.ExpectedSats == 0:
		return DepositLiquidityParams{}, fmt.Errorf("%w: expected sats must be > 0", ErrInvalidParams)
	case len(p.BTCPayoutScriptPubKey) == 0 || len(p.BTCPayoutScriptPubKey) > riftabi.ScriptPubKeyLen:
		return DepositLiquidityParams{}, fmt.Errorf("%w: payout script must be 1..%d bytes", ErrInvalidParams, riftabi.ScriptPubKeyLen)
	case p.DepositSalt == [32]byte{}:
		return DepositLiquidityParams{}, fmt.Errorf("%w: deposit salt must be set", ErrInvalidParams)
	case p.ConfirmationBlocks < riftabi.MinConfirmationBlocks:
		return DepositLiquidityParams{}, fmt.Errorf("%w: confirmation blocks must be >= %d", ErrInvalidParams, riftabi.MinConfirmationBlocks)
	case p.TipProof.Leaf.CumulativeChainwork == nil || p.TipProof.Leaf.CumulativeChainwork.Sign() < 0:
		return DepositLiquidityParams{}, fmt.Errorf("%w: tip proof chainwork must be set", ErrInvalidParams)
	case (p.TipProof.Leaf.BlockHash == common.Hash{}):
		return DepositLiquidityParams{}, fmt.Errorf("%w: tip proof block hash must be set", ErrInvalidParams)
	}
	return p.clone(), nil
}

func (p DepositLiquidityParams) clone() DepositLiquidityParams {
	out := p
	out.DepositAmount = new(big.Int).Set(p.DepositAmount)
	out.BTCPayoutScriptPubKey = bytes.Clone(p.BTCPayoutScriptPubKey)
	out.TipProof.Leaf.CumulativeChainwork = new(big.Int).Set(p.TipProof.Leaf.CumulativeChainwork)
	out.TipProof.Siblings = append([]common.Hash(nil), p.TipProof.Siblings...)
	out.TipProof.Peaks = append([]common.Hash(nil), p.TipProof.Peaks...)
	return out
}

// contract lays the params out in the exchange's ABI order, with owner as the depositor.
func (p DepositLiquidityParams) contract(owner common.Address) riftabi.DepositLiquidityParams {
	out := riftabi.DepositLiquidityParams{
		DepositOwnerAddress:    owner,
		SpecifiedPayoutAddress: p.SpecifiedPayoutAddress,
		DepositAmount:          new(big.Int).Set(p.DepositAmount),
		ExpectedSats:           p.ExpectedSats,
		DepositSalt:            p.DepositSalt,
		ConfirmationBlocks:     p.ConfirmationBlocks,
		TipBlockLeaf: riftabi.BlockLeaf{
			BlockHash:           p.TipProof.Leaf.BlockHash,
			Height:              p.TipProof.Leaf.Height,
			CumulativeChainwork: new(big.Int).Set(p.TipProof.Leaf.CumulativeChainwork),
		},
		TipBlockSiblings: hashes(p.TipProof.Siblings),
		TipBlockPeaks:    hashes(p.TipProof.Peaks),
	}
	copy(out.BtcPayoutScriptPubKey[:], p.BTCPayoutScriptPubKey)
	return out
}

func hashes(in []common.Hash) [][32]byte {
	out := make([][32]byte, len(in))
	for i, h := range in {
		out[i] = h
	}
	return out
}

// SwapParams describes the token swap that funds a swap-and-deposit.
type SwapParams struct {
	Bundler      common.Address
	SellToken    common.Address
	SellAmount   *big.Int
	SwapRouter   common.Address
	SwapCalldata []byte
	// Deadline bounds the Permit2 signature.
	Deadline time.Time
}

func (s SwapParams) validate() error {
	switch {
	case s.Bundler == common.Address{}:
		return fmt.Errorf("%w: bundler must be non-zero", ErrInvalidParams)
	case s.SellToken == common.Address{}:
		return fmt.Errorf("%w: sell token must be non-zero", ErrInvalidParams)
	case s.SellAmount == nil || s.SellAmount.Sign() <= 0:
		return fmt.Errorf("%w: sell amount must be > 0", ErrInvalidParams)
	case s.SwapRouter == common.Address{}:
		return fmt.Errorf("%w: swap router must be non-zero", ErrInvalidParams)
	case len(s.SwapCalldata) == 0:
		return fmt.Errorf("%w: swap calldata is required", ErrInvalidParams)
	case s.Deadline.IsZero():
		return fmt.Errorf("%w: permit deadline is required", ErrInvalidParams)
	}
	return nil
}

// Request is the user input Prepare turns into DepositLiquidityParams.
type Request struct {
	ExchangeAddress        common.Address
	Token                  common.Address
	SpecifiedPayoutAddress common.Address
	DepositAmount          *big.Int
	ExpectedSats           uint64
	BTCPayoutAddress       string
	ConfirmationBlocks     uint8
}

// Result is what a successful attempt returns.
type Result struct {
	AttemptID common.Hash
	TxHash    common.Hash
	Receipt   *types.Receipt
}

// archivedReceipt is the subset of a receipt kept in the archive.
type archivedReceipt struct {
	AttemptID   common.Hash    `json:"attemptId"`
	Kind        Kind           `json:"kind"`
	Status      Status         `json:"status"`
	TxHash      common.Hash    `json:"txHash"`
	BlockNumber *big.Int       `json:"blockNumber,omitempty"`
	BlockHash   common.Hash    `json:"blockHash"`
	GasUsed     uint64         `json:"gasUsed"`
	Logs        int            `json:"logs"`
	Failure     *failureRecord `json:"failure,omitempty"`
}

type failureRecord struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

func (f *Failure) record() *failureRecord {
	if f == nil {
		return nil
	}
	return &failureRecord{Kind: f.Kind.String(), Message: f.Message, Reason: f.Reason}
}

// jsonText renders err as JSON for errors with an empty message.
func jsonText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}
