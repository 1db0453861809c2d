// Package chainproof holds the Bitcoin light-client proof types the exchange consumes and decodes
// the data engine's wire format for them, where every byte string is a JSON array of integers.
package chainproof

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidProof = errors.New("chainproof: invalid proof")

// BlockLeaf is one leaf of the light client's block MMR: a claimed chain tip.
type BlockLeaf struct {
	BlockHash           common.Hash `json:"blockHash"`
	Height              uint32      `json:"height"`
	CumulativeChainwork *big.Int    `json:"cumulativeChainwork"`
}

// DisplayHash returns the block hash in Bitcoin's byte-reversed display order.
func (l BlockLeaf) DisplayHash() string {
	return chainhash.Hash(l.BlockHash).String()
}

// TipProof is the inclusion proof of the current tip leaf against the on-chain MMR root.
// Verification is left to the exchange contract.
type TipProof struct {
	Leaf     BlockLeaf     `json:"leaf"`
	Siblings []common.Hash `json:"siblings"`
	Peaks    []common.Hash `json:"peaks"`
}

type wireLeaf struct {
	Height              int64     `json:"height"`
	BlockHash           wireBytes `json:"block_hash"`
	CumulativeChainwork wireBytes `json:"cumulative_chainwork"`
}

type wireTipProof struct {
	Leaf     *wireLeaf   `json:"leaf"`
	Siblings []wireBytes `json:"siblings"`
	Peaks    []wireBytes `json:"peaks"`
}

// DecodeTipProof decodes a data-engine tip proof body.
func DecodeTipProof(b []byte) (TipProof, error) {
	var w wireTipProof
	if err := json.Unmarshal(b, &w); err != nil {
		return TipProof{}, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if w.Leaf == nil {
		return TipProof{}, fmt.Errorf("%w: missing leaf", ErrInvalidProof)
	}
	leaf, err := w.Leaf.decode()
	if err != nil {
		return TipProof{}, err
	}
	siblings, err := hashes("siblings", w.Siblings)
	if err != nil {
		return TipProof{}, err
	}
	peaks, err := hashes("peaks", w.Peaks)
	if err != nil {
		return TipProof{}, err
	}
	return TipProof{Leaf: leaf, Siblings: siblings, Peaks: peaks}, nil
}

func (w wireLeaf) decode() (BlockLeaf, error) {
	if w.Height < 0 || w.Height > math.MaxUint32 {
		return BlockLeaf{}, fmt.Errorf("%w: height %d out of range", ErrInvalidProof, w.Height)
	}
	h, err := w.BlockHash.hash("leaf.block_hash")
	if err != nil {
		return BlockLeaf{}, err
	}
	work, err := w.CumulativeChainwork.uint256("leaf.cumulative_chainwork")
	if err != nil {
		return BlockLeaf{}, err
	}
	return BlockLeaf{BlockHash: h, Height: uint32(w.Height), CumulativeChainwork: work}, nil
}

// wireBytes is a byte string sent as an array of integers in [0,255].
type wireBytes []byte

func (b *wireBytes) UnmarshalJSON(data []byte) error {
	var ints []int64
	if err := json.Unmarshal(data, &ints); err != nil {
		return fmt.Errorf("%w: byte array: %v", ErrInvalidProof, err)
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("%w: byte %d out of range: %d", ErrInvalidProof, i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

func (b wireBytes) hash(field string) (common.Hash, error) {
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: %s must be %d bytes, got %d", ErrInvalidProof, field, common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

// uint256 reads b as a big-endian unsigned integer of at most 32 bytes.
func (b wireBytes) uint256(field string) (*big.Int, error) {
	if len(b) == 0 || len(b) > 32 {
		return nil, fmt.Errorf("%w: %s must be 1..32 bytes, got %d", ErrInvalidProof, field, len(b))
	}
	return new(big.Int).SetBytes(b), nil
}

func (b wireBytes) address(field string) (common.Address, error) {
	if len(b) != common.AddressLength {
		return common.Address{}, fmt.Errorf("%w: %s must be %d bytes, got %d", ErrInvalidProof, field, common.AddressLength, len(b))
	}
	return common.BytesToAddress(b), nil
}

func hashes(field string, in []wireBytes) ([]common.Hash, error) {
	out := make([]common.Hash, 0, len(in))
	for i, b := range in {
		h, err := b.hash(fmt.Sprintf("%s[%d]", field, i))
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}
