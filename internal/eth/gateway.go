package eth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/riftexchange/rift-client/internal/riftabi"
)

var (
	ErrInvalidGatewayConfig = errors.New("eth: invalid gateway config")
	ErrReceiptTimeout       = errors.New("eth: timed out waiting for receipt")
)

// Backend is the subset of *ethclient.Client a Gateway needs.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type GatewayConfig struct {
	ChainID            *big.Int
	GasLimitMultiplier float64
	Fees               FeePolicy

	ReceiptPollInterval time.Duration
	// ReceiptTimeout bounds WaitMined. Zero waits until the context is done.
	ReceiptTimeout time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Gateway reads chain state, submits transactions and collects signatures for a single wallet.
// Every error it returns is an *Error carrying an ErrorKind.
type Gateway struct {
	backend Backend
	signer  Signer
	nonces  *NonceManager
	cfg     GatewayConfig
}

type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // optional; 0 => estimate
}

func NewGateway(backend Backend, signer Signer, cfg GatewayConfig) (*Gateway, error) {
	if backend == nil || signer == nil {
		return nil, ErrInvalidGatewayConfig
	}
	if (signer.Address() == common.Address{}) {
		return nil, fmt.Errorf("%w: signer address must be non-zero", ErrInvalidGatewayConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidGatewayConfig)
	}
	if cfg.GasLimitMultiplier <= 0 {
		return nil, fmt.Errorf("%w: gas limit multiplier must be > 0", ErrInvalidGatewayConfig)
	}
	if cfg.Fees.MinTipCap != nil && cfg.Fees.MinTipCap.Sign() < 0 {
		return nil, fmt.Errorf("%w: min tip cap must be >= 0", ErrInvalidGatewayConfig)
	}
	if cfg.ReceiptPollInterval <= 0 || cfg.ReceiptTimeout < 0 {
		return nil, fmt.Errorf("%w: receipt polling", ErrInvalidGatewayConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Gateway{
		backend: backend,
		signer:  signer,
		nonces:  NewNonceManager(backend, signer.Address()),
		cfg:     cfg,
	}, nil
}

func (g *Gateway) Address() common.Address { return g.signer.Address() }

func (g *Gateway) ChainID() *big.Int { return new(big.Int).Set(g.cfg.ChainID) }

// Call runs a read-only call against the latest block from the wallet address.
func (g *Gateway) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := g.backend.CallContract(ctx, ethereum.CallMsg{
		From: g.signer.Address(),
		To:   &to,
		Data: data,
	}, nil)
	if err != nil {
		return nil, wrap("call", err)
	}
	return out, nil
}

func (g *Gateway) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := riftabi.PackBalanceOf(owner)
	if err != nil {
		return nil, wrap("balanceOf", err)
	}
	return g.callUint256(ctx, token, "balanceOf", data)
}

func (g *Gateway) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := riftabi.PackAllowance(owner, spender)
	if err != nil {
		return nil, wrap("allowance", err)
	}
	return g.callUint256(ctx, token, "allowance", data)
}

// NonceBitmap reads word wordPos of owner's Permit2 unordered nonce bitmap.
func (g *Gateway) NonceBitmap(ctx context.Context, permit2, owner common.Address, wordPos *big.Int) (*big.Int, error) {
	data, err := riftabi.PackNonceBitmap(owner, wordPos)
	if err != nil {
		return nil, wrap("nonceBitmap", err)
	}
	return g.callUint256(ctx, permit2, "nonceBitmap", data)
}

func (g *Gateway) callUint256(ctx context.Context, to common.Address, method string, data []byte) (*big.Int, error) {
	out, err := g.Call(ctx, to, data)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			e.Op = method
		}
		return nil, err
	}
	v, err := riftabi.UnpackUint256(method, out)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Op: method, Err: err}
	}
	return v, nil
}

// EstimateGas estimates gas for req. A revert is reported as KindSimulationReverted with the node's
// revert payload attached when one was returned.
func (g *Gateway) EstimateGas(ctx context.Context, req TxRequest) (uint64, error) {
	est, err := g.backend.EstimateGas(ctx, g.callMsg(req))
	if err != nil {
		return 0, wrap("simulate", err)
	}
	return est, nil
}

// Send signs and broadcasts req as an EIP-1559 transaction and returns its hash without waiting
// for inclusion. The reserved nonce is handed back when signing fails or the node refuses the tx.
// A nonce the node reports as stale is resynced and the tx is signed again once, which asks an
// interactive signer a second time.
func (g *Gateway) Send(ctx context.Context, req TxRequest) (common.Hash, error) {
	gasLimit := req.GasLimit
	if gasLimit == 0 {
		est, err := g.EstimateGas(ctx, req)
		if err != nil {
			return common.Hash{}, err
		}
		gasLimit = applyGasMultiplier(est, g.cfg.GasLimitMultiplier)
	}

	suggestedTip, err := g.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, wrap("suggest tip", err)
	}
	header, err := g.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, wrap("latest header", err)
	}
	if header == nil || header.BaseFee == nil || header.BaseFee.Sign() < 0 {
		return common.Hash{}, &Error{Kind: KindTransport, Op: "latest header", Err: errors.New("missing baseFee in latest header")}
	}
	tipCap, feeCap, err := g.cfg.Fees.Caps(header.BaseFee, suggestedTip)
	if err != nil {
		return common.Hash{}, wrap("fee caps", err)
	}

	// Pick up transactions this wallet sent from elsewhere. Sync never moves the counter back, so
	// nonces reserved here but not yet mined are kept.
	if _, err := g.nonces.Sync(ctx); err != nil {
		return common.Hash{}, wrap("pending nonce", err)
	}

	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}
	to := req.To
	for retried := false; ; retried = true {
		nonce, err := g.nonces.Next(ctx)
		if err != nil {
			return common.Hash{}, wrap("pending nonce", err)
		}
		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID:   g.cfg.ChainID,
			Nonce:     nonce,
			GasTipCap: tipCap,
			GasFeeCap: feeCap,
			Gas:       gasLimit,
			To:        &to,
			Value:     value,
			Data:      req.Data,
		})
		signed, err := g.signer.SignTx(tx, g.cfg.ChainID)
		if err != nil {
			g.nonces.Release(nonce)
			return common.Hash{}, wrap("sign tx", err)
		}

		sendErr := g.backend.SendTransaction(ctx, signed)
		if sendErr == nil {
			return signed.Hash(), nil
		}
		switch outcome := sendOutcomeOf(sendErr); {
		case outcome == sendAlreadyKnown:
			return signed.Hash(), nil
		case outcome == sendNonceTooLow && !retried:
			g.nonces.Release(nonce)
			if _, err := g.nonces.Sync(ctx); err != nil {
				return common.Hash{}, wrap("pending nonce", err)
			}
			continue
		case outcome == sendNonceGap && !retried:
			if _, err := g.nonces.Resync(ctx); err != nil {
				return common.Hash{}, wrap("pending nonce", err)
			}
			continue
		case outcome != sendAmbiguous:
			g.nonces.Release(nonce)
		}
		// An ambiguous failure keeps the nonce reserved: the node may have accepted the tx.
		werr := wrap("send tx", sendErr)
		var e *Error
		if errors.As(werr, &e) {
			e.TxHash = signed.Hash()
		}
		return common.Hash{}, werr
	}
}

type sendOutcome uint8

const (
	// sendAmbiguous: no answer from the node (transport failure, cancelled context).
	sendAmbiguous sendOutcome = iota
	// sendRejected: the node answered and refused the tx.
	sendRejected
	sendNonceTooLow
	sendNonceGap
	sendAlreadyKnown
)

func sendOutcomeOf(err error) sendOutcome {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"):
		return sendAlreadyKnown
	case strings.Contains(msg, "nonce too low"):
		return sendNonceTooLow
	case strings.Contains(msg, "nonce too high"), strings.Contains(msg, "nonce gap"):
		return sendNonceGap
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return sendRejected
	}
	if errors.Is(err, ErrUserRejected) {
		return sendRejected
	}
	return sendAmbiguous
}

// Approve sends token.approve(spender, amount).
func (g *Gateway) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	data, err := riftabi.PackApprove(spender, amount)
	if err != nil {
		return common.Hash{}, wrap("approve", err)
	}
	return g.Send(ctx, TxRequest{To: token, Data: data})
}

// WaitMined polls for the receipt of txHash. A mined but failed transaction returns its receipt
// together with a KindExecutionReverted error.
func (g *Gateway) WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var deadline time.Time
	if g.cfg.ReceiptTimeout > 0 {
		deadline = g.cfg.Now().Add(g.cfg.ReceiptTimeout)
	}
	for {
		receipt, err := g.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, &Error{Kind: KindExecutionReverted, Op: "wait mined", TxHash: txHash, Err: ErrReverted}
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, &Error{Kind: classify(err), Op: "wait mined", TxHash: txHash, Err: err}
		}

		if !deadline.IsZero() && !g.cfg.Now().Before(deadline) {
			return nil, &Error{Kind: KindTimeout, Op: "wait mined", TxHash: txHash, Err: ErrReceiptTimeout}
		}
		if err := g.cfg.Sleep(ctx, g.cfg.ReceiptPollInterval); err != nil {
			return nil, &Error{Kind: KindTimeout, Op: "wait mined", TxHash: txHash, Err: err}
		}
	}
}

// SignTypedData asks the wallet for an EIP-712 signature.
func (g *Gateway) SignTypedData(td apitypes.TypedData) ([]byte, error) {
	sig, err := g.signer.SignTypedData(td)
	if err != nil {
		return nil, wrap("sign typed data", err)
	}
	return sig, nil
}

func (g *Gateway) callMsg(req TxRequest) ethereum.CallMsg {
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}
	to := req.To
	return ethereum.CallMsg{
		From:  g.signer.Address(),
		To:    &to,
		Value: value,
		Data:  req.Data,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func applyGasMultiplier(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := uint64(math.Ceil(float64(est) * mult))
	if out < est {
		// overflow or float error; fall back to the estimate.
		return est
	}
	return out
}
