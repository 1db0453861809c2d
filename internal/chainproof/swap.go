package chainproof

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type SwapStatus string

const (
	SwapStatusPending  SwapStatus = "Pending"
	SwapStatusProved   SwapStatus = "Proved"
	SwapStatusReleased SwapStatus = "Released"
)

// Swap is one entry of an account's swap history: the deposit vault it created and the proofs
// submitted against it.
type Swap struct {
	Deposit SwapDeposit `json:"deposit"`
	Proofs  []SwapProof `json:"proofs"`
}

type SwapDeposit struct {
	VaultIndex             uint64         `json:"vaultIndex"`
	OwnerAddress           common.Address `json:"ownerAddress"`
	SpecifiedPayoutAddress common.Address `json:"specifiedPayoutAddress"`
	DepositAmount          *big.Int       `json:"depositAmount"`
	ExpectedSats           uint64         `json:"expectedSats"`
	BTCPayoutScriptPubKey  []byte         `json:"btcPayoutScriptPubKey"`
	DepositSalt            common.Hash    `json:"depositSalt"`
	ConfirmationBlocks     uint8          `json:"confirmationBlocks"`
	DepositTimestamp       uint64         `json:"depositTimestamp"`

	BlockNumber uint64      `json:"blockNumber"`
	BlockHash   common.Hash `json:"blockHash"`
	TxHash      common.Hash `json:"txHash"`
}

type SwapProof struct {
	Status       SwapStatus  `json:"status"`
	PayoutAmount *big.Int    `json:"payoutAmount"`
	BlockNumber  uint64      `json:"blockNumber"`
	BlockHash    common.Hash `json:"blockHash"`
	TxHash       common.Hash `json:"txHash"`
}

type wireVault struct {
	VaultIndex             uint64    `json:"vault_index"`
	DepositTimestamp       uint64    `json:"deposit_timestamp"`
	DepositAmount          wireBytes `json:"deposit_amount"`
	ExpectedSats           uint64    `json:"expected_sats"`
	BTCPayoutScriptPubKey  wireBytes `json:"btc_payout_script_pubkey"`
	SpecifiedPayoutAddress wireBytes `json:"specified_payout_address"`
	OwnerAddress           wireBytes `json:"owner_address"`
	Salt                   wireBytes `json:"salt"`
	ConfirmationBlocks     uint8     `json:"confirmation_blocks"`
}

type wireDeposit struct {
	Vault              *wireVault `json:"vault"`
	DepositBlockNumber uint64     `json:"deposit_block_number"`
	DepositBlockHash   wireBytes  `json:"deposit_block_hash"`
	DepositTxID        wireBytes  `json:"deposit_txid"`
}

type wireSwapProof struct {
	Status               SwapStatus `json:"status"`
	PayoutAmount         wireBytes  `json:"payout_amount"`
	SwapProofBlockNumber uint64     `json:"swap_proof_block_number"`
	SwapProofBlockHash   wireBytes  `json:"swap_proof_block_hash"`
	SwapProofTxID        wireBytes  `json:"swap_proof_txid"`
}

type wireSwap struct {
	Deposit    *wireDeposit    `json:"deposit"`
	SwapProofs []wireSwapProof `json:"swap_proofs"`
}

// DecodeSwaps decodes a data-engine swap history page.
func DecodeSwaps(b []byte) ([]Swap, error) {
	var ws []wireSwap
	if err := json.Unmarshal(b, &ws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	out := make([]Swap, 0, len(ws))
	for i, w := range ws {
		s, err := w.decode()
		if err != nil {
			return nil, fmt.Errorf("swap[%d]: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (w wireSwap) decode() (Swap, error) {
	if w.Deposit == nil || w.Deposit.Vault == nil {
		return Swap{}, fmt.Errorf("%w: missing deposit", ErrInvalidProof)
	}
	v := w.Deposit.Vault

	owner, err := v.OwnerAddress.address("owner_address")
	if err != nil {
		return Swap{}, err
	}
	payout, err := v.SpecifiedPayoutAddress.address("specified_payout_address")
	if err != nil {
		return Swap{}, err
	}
	amount, err := v.DepositAmount.uint256("deposit_amount")
	if err != nil {
		return Swap{}, err
	}
	salt, err := v.Salt.hash("salt")
	if err != nil {
		return Swap{}, err
	}
	blockHash, err := w.Deposit.DepositBlockHash.hash("deposit_block_hash")
	if err != nil {
		return Swap{}, err
	}
	txHash, err := w.Deposit.DepositTxID.hash("deposit_txid")
	if err != nil {
		return Swap{}, err
	}

	s := Swap{
		Deposit: SwapDeposit{
			VaultIndex:             v.VaultIndex,
			OwnerAddress:           owner,
			SpecifiedPayoutAddress: payout,
			DepositAmount:          amount,
			ExpectedSats:           v.ExpectedSats,
			BTCPayoutScriptPubKey:  append([]byte(nil), v.BTCPayoutScriptPubKey...),
			DepositSalt:            salt,
			ConfirmationBlocks:     v.ConfirmationBlocks,
			DepositTimestamp:       v.DepositTimestamp,
			BlockNumber:            w.Deposit.DepositBlockNumber,
			BlockHash:              blockHash,
			TxHash:                 txHash,
		},
		Proofs: make([]SwapProof, 0, len(w.SwapProofs)),
	}
	for i, p := range w.SwapProofs {
		field := fmt.Sprintf("swap_proofs[%d]", i)
		payoutAmount, err := p.PayoutAmount.uint256(field + ".payout_amount")
		if err != nil {
			return Swap{}, err
		}
		ph, err := p.SwapProofBlockHash.hash(field + ".swap_proof_block_hash")
		if err != nil {
			return Swap{}, err
		}
		ptx, err := p.SwapProofTxID.hash(field + ".swap_proof_txid")
		if err != nil {
			return Swap{}, err
		}
		s.Proofs = append(s.Proofs, SwapProof{
			Status:       p.Status,
			PayoutAmount: payoutAmount,
			BlockNumber:  p.SwapProofBlockNumber,
			BlockHash:    ph,
			TxHash:       ptx,
		})
	}
	return s, nil
}

// Status reports the furthest progress of the swap: the status of its latest proof, or Pending.
func (s Swap) Status() SwapStatus {
	if len(s.Proofs) == 0 {
		return SwapStatusPending
	}
	return s.Proofs[len(s.Proofs)-1].Status
}
