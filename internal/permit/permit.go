// Package permit builds and signs Permit2 PermitTransferFrom authorizations.
//
// Permit2 nonces are unordered: nonce = wordPos<<8 | bitPos, and a nonce is free while its bit in
// nonceBitmap(owner, wordPos) is zero. Each signed permit consumes one bit on-chain.
package permit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/riftexchange/rift-client/internal/eth"
	"github.com/riftexchange/rift-client/internal/riftabi"
)

var (
	ErrNoAvailableNonce = errors.New("permit: no available nonce")
	ErrInvalidInput     = errors.New("permit: invalid input")
)

// CanonicalPermit2 is the Permit2 deployment address shared by every EVM chain.
var CanonicalPermit2 = common.HexToAddress("0x000000000022D473030F116dDEE9F6B43aC78BA3")

const (
	domainName    = "Permit2"
	primaryType   = "PermitTransferFrom"
	wordBits      = 256
	defaultWords  = 1
	maxNonceWords = 1 << 16
)

// FindFreeNonce returns the index of the lowest zero bit of a 256-bit nonce bitmap word.
func FindFreeNonce(bitmap *big.Int) (uint8, error) {
	if bitmap == nil || bitmap.Sign() < 0 || bitmap.BitLen() > wordBits {
		return 0, fmt.Errorf("%w: bitmap must be a 256-bit unsigned word", ErrInvalidInput)
	}
	for i := 0; i < wordBits; i++ {
		if bitmap.Bit(i) == 0 {
			return uint8(i), nil
		}
	}
	return 0, ErrNoAvailableNonce
}

// Nonce composes a Permit2 unordered nonce from a word position and bit index.
func Nonce(wordPos *big.Int, bit uint8) *big.Int {
	n := new(big.Int).Lsh(wordPos, 8)
	return n.Or(n, big.NewInt(int64(bit)))
}

// BitmapReader reads Permit2's nonceBitmap.
type BitmapReader interface {
	NonceBitmap(ctx context.Context, permit2, owner common.Address, wordPos *big.Int) (*big.Int, error)
}

// TypedDataSigner is the wallet. SignTypedData is a user-facing wallet prompt and may be rejected.
type TypedDataSigner interface {
	Address() common.Address
	SignTypedData(td apitypes.TypedData) ([]byte, error)
}

type Config struct {
	ChainID *big.Int
	Permit2 common.Address // zero => CanonicalPermit2

	// MaxNonceWords is how many bitmap words Build scans, starting at word 0, before giving up
	// with ErrNoAvailableNonce. Zero means one word.
	MaxNonceWords int
}

type Builder struct {
	chain  BitmapReader
	signer TypedDataSigner
	cfg    Config
}

func NewBuilder(chain BitmapReader, signer TypedDataSigner, cfg Config) (*Builder, error) {
	if chain == nil || signer == nil {
		return nil, fmt.Errorf("%w: nil chain or signer", ErrInvalidInput)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidInput)
	}
	if (cfg.Permit2 == common.Address{}) {
		cfg.Permit2 = CanonicalPermit2
	}
	if cfg.MaxNonceWords < 0 || cfg.MaxNonceWords > maxNonceWords {
		return nil, fmt.Errorf("%w: max nonce words out of range", ErrInvalidInput)
	}
	if cfg.MaxNonceWords == 0 {
		cfg.MaxNonceWords = defaultWords
	}
	return &Builder{chain: chain, signer: signer, cfg: cfg}, nil
}

func (b *Builder) Permit2() common.Address { return b.cfg.Permit2 }

// FindFreeNonce reads owner's bitmap word wordPos and returns its lowest free bit.
func (b *Builder) FindFreeNonce(ctx context.Context, owner common.Address, wordPos *big.Int) (uint8, error) {
	if wordPos == nil || wordPos.Sign() < 0 {
		return 0, fmt.Errorf("%w: word position must be >= 0", ErrInvalidInput)
	}
	bitmap, err := b.chain.NonceBitmap(ctx, b.cfg.Permit2, owner, wordPos)
	if err != nil {
		return 0, err
	}
	return FindFreeNonce(bitmap)
}

// SignedPermit is a permit ready to hand to the bundler.
type SignedPermit struct {
	Permit    riftabi.PermitTransferFrom
	Spender   common.Address
	Owner     common.Address
	Signature []byte
}

// Build picks the lowest free nonce and asks the wallet to sign a PermitTransferFrom for
// (token, amount) redeemable by spender until deadline.
//
// Nonce exhaustion is returned as an *eth.Error of KindNonceExhausted wrapping ErrNoAvailableNonce.
// A wallet rejection keeps its eth.KindUserRejected classification.
func (b *Builder) Build(ctx context.Context, token common.Address, amount *big.Int, spender common.Address, deadline time.Time) (SignedPermit, error) {
	if (token == common.Address{}) || (spender == common.Address{}) {
		return SignedPermit{}, fmt.Errorf("%w: token and spender must be non-zero", ErrInvalidInput)
	}
	if amount == nil || amount.Sign() <= 0 {
		return SignedPermit{}, fmt.Errorf("%w: amount must be > 0", ErrInvalidInput)
	}
	if deadline.Unix() <= 0 {
		return SignedPermit{}, fmt.Errorf("%w: deadline must be set", ErrInvalidInput)
	}

	owner := b.signer.Address()
	nonce, err := b.nextNonce(ctx, owner)
	if err != nil {
		return SignedPermit{}, err
	}

	p := riftabi.PermitTransferFrom{
		Permitted: riftabi.TokenPermissions{Token: token, Amount: new(big.Int).Set(amount)},
		Nonce:     nonce,
		Deadline:  big.NewInt(deadline.Unix()),
	}
	sig, err := b.signer.SignTypedData(TypedData(b.cfg.ChainID, b.cfg.Permit2, p, spender))
	if err != nil {
		return SignedPermit{}, fmt.Errorf("permit: sign: %w", err)
	}
	if len(sig) != 65 {
		return SignedPermit{}, fmt.Errorf("permit: signature must be 65 bytes, got %d", len(sig))
	}
	return SignedPermit{Permit: p, Spender: spender, Owner: owner, Signature: sig}, nil
}

func (b *Builder) nextNonce(ctx context.Context, owner common.Address) (*big.Int, error) {
	for w := 0; w < b.cfg.MaxNonceWords; w++ {
		wordPos := big.NewInt(int64(w))
		bit, err := b.FindFreeNonce(ctx, owner, wordPos)
		if errors.Is(err, ErrNoAvailableNonce) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("permit: nonce bitmap word %d: %w", w, err)
		}
		return Nonce(wordPos, bit), nil
	}
	return nil, &eth.Error{
		Kind: eth.KindNonceExhausted,
		Op:   "permit nonce",
		Err:  fmt.Errorf("%w: %d bitmap word(s) fully used", ErrNoAvailableNonce, b.cfg.MaxNonceWords),
	}
}

// TypedData is the EIP-712 payload Permit2 verifies for a signature transfer. The domain has no
// version field.
func TypedData(chainID *big.Int, permit2 common.Address, p riftabi.PermitTransferFrom, spender common.Address) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"PermitTransferFrom": {
				{Name: "permitted", Type: "TokenPermissions"},
				{Name: "spender", Type: "address"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
			"TokenPermissions": {
				{Name: "token", Type: "address"},
				{Name: "amount", Type: "uint256"},
			},
		},
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domainName,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(chainID)),
			VerifyingContract: permit2.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"permitted": map[string]interface{}{
				"token":  p.Permitted.Token.Hex(),
				"amount": new(big.Int).Set(p.Permitted.Amount),
			},
			"spender":  spender.Hex(),
			"nonce":    new(big.Int).Set(p.Nonce),
			"deadline": new(big.Int).Set(p.Deadline),
		},
	}
}

// Digest returns the EIP-712 hash a Permit2 signature commits to.
func Digest(chainID *big.Int, permit2 common.Address, p riftabi.PermitTransferFrom, spender common.Address) (common.Hash, error) {
	h, _, err := apitypes.TypedDataAndHash(TypedData(chainID, permit2, p, spender))
	if err != nil {
		return common.Hash{}, fmt.Errorf("permit: hash typed data: %w", err)
	}
	return common.BytesToHash(h), nil
}
