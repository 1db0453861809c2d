package idempotency

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

const attemptIDPrefixV1 = "rift.attempt.v1"

// AttemptIDV1 computes the id of one deposit attempt:
//
//	attemptId = keccak256("rift.attempt.v1" || kind || 0x00 || chainIdBE32 || owner || target || salt)
//
// where chainIdBE32 is the chain id left-padded to 32 bytes and target is the contract the deposit
// transaction is sent to (exchange or bundler). The salt is unique per attempt, so retries of the
// same amount never collide.
func AttemptIDV1(kind string, chainID *big.Int, owner, target common.Address, salt [32]byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(attemptIDPrefixV1))
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{0})

	var cid [32]byte
	if chainID != nil && chainID.Sign() > 0 {
		chainID.FillBytes(cid[:])
	}
	_, _ = h.Write(cid[:])
	_, _ = h.Write(owner[:])
	_, _ = h.Write(target[:])
	_, _ = h.Write(salt[:])
	return common.BytesToHash(h.Sum(nil))
}
