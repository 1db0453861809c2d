package eth

import (
	"bufio"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var ErrInvalidSigner = errors.New("eth: invalid signer")

// Signer is the wallet behind a Gateway: it signs transactions and EIP-712 typed data for one address.
//
// Either call is a wallet interaction and may fail with ErrUserRejected.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	SignTypedData(td apitypes.TypedData) ([]byte, error)
}

type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewLocalSigner(key *ecdsa.PrivateKey) *LocalSigner {
	var addr common.Address
	if key != nil {
		addr = crypto.PubkeyToAddress(key.PublicKey)
	}
	return &LocalSigner{key: key, addr: addr}
}

func (s *LocalSigner) Address() common.Address { return s.addr }

func (s *LocalSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if s.key == nil || tx == nil || chainID == nil || chainID.Sign() <= 0 {
		return nil, ErrInvalidSigner
	}
	signer := types.LatestSignerForChainID(chainID)
	return types.SignTx(tx, signer, s.key)
}

// SignTypedData returns a 65-byte r || s || v signature over the EIP-712 digest of td, with v in {27,28}.
func (s *LocalSigner) SignTypedData(td apitypes.TypedData) ([]byte, error) {
	if s.key == nil {
		return nil, ErrInvalidSigner
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("eth: hash typed data: %w", err)
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("eth: sign typed data: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// PromptSigner asks for an interactive y/N confirmation before every signature, the way a browser
// wallet would. Anything other than "y" or "yes" rejects the request with ErrUserRejected.
type PromptSigner struct {
	inner Signer
	out   io.Writer

	mu sync.Mutex
	in *bufio.Reader
}

func NewPromptSigner(inner Signer, in io.Reader, out io.Writer) (*PromptSigner, error) {
	if inner == nil || in == nil || out == nil {
		return nil, ErrInvalidSigner
	}
	return &PromptSigner{inner: inner, in: bufio.NewReader(in), out: out}, nil
}

func (p *PromptSigner) Address() common.Address { return p.inner.Address() }

func (p *PromptSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if tx == nil {
		return nil, ErrInvalidSigner
	}
	to := "contract creation"
	if tx.To() != nil {
		to = tx.To().Hex()
	}
	q := fmt.Sprintf("Sign transaction to %s (nonce %d, gas %d, %d bytes calldata)? [y/N] ", to, tx.Nonce(), tx.Gas(), len(tx.Data()))
	if err := p.confirm(q); err != nil {
		return nil, err
	}
	return p.inner.SignTx(tx, chainID)
}

func (p *PromptSigner) SignTypedData(td apitypes.TypedData) ([]byte, error) {
	q := fmt.Sprintf("Sign %s message for %s? [y/N] ", td.PrimaryType, td.Domain.Name)
	if err := p.confirm(q); err != nil {
		return nil, err
	}
	return p.inner.SignTypedData(td)
}

func (p *PromptSigner) confirm(question string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := io.WriteString(p.out, question); err != nil {
		return err
	}
	line, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return nil
	default:
		return ErrUserRejected
	}
}
