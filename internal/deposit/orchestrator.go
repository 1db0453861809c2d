// Package deposit drives one deposit or swap-and-deposit attempt at a time, from the wallet prompt
// to the mined receipt, and reports a single Status while doing so.
package deposit

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/riftexchange/rift-client/internal/blobstore"
	"github.com/riftexchange/rift-client/internal/btcpayout"
	"github.com/riftexchange/rift-client/internal/chainproof"
	"github.com/riftexchange/rift-client/internal/depositevent"
	"github.com/riftexchange/rift-client/internal/errdecode"
	"github.com/riftexchange/rift-client/internal/eth"
	"github.com/riftexchange/rift-client/internal/idempotency"
	"github.com/riftexchange/rift-client/internal/permit"
	"github.com/riftexchange/rift-client/internal/riftabi"
)

var (
	ErrInvalidConfig       = errors.New("deposit: invalid config")
	ErrInvalidParams       = errors.New("deposit: invalid params")
	ErrAttemptInFlight     = errors.New("deposit: an attempt is already in flight")
	ErrResetRequired       = errors.New("deposit: previous attempt finished; reset first")
	ErrAttemptReset        = errors.New("deposit: attempt was reset before submission")
	ErrAlreadyRun          = errors.New("deposit: pending attempt already run")
	ErrInsufficientBalance = errors.New("deposit: insufficient token balance")
	ErrInvalidGasEstimate  = errors.New("deposit: invalid gas estimate")
)

const sideEffectTimeout = 10 * time.Second

// Chain is the wallet-bound chain gateway. *eth.Gateway satisfies it.
type Chain interface {
	Address() common.Address
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error)
	EstimateGas(ctx context.Context, req eth.TxRequest) (uint64, error)
	Send(ctx context.Context, req eth.TxRequest) (common.Hash, error)
	WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// PermitSigner signs Permit2 transfers. *permit.Builder satisfies it.
type PermitSigner interface {
	Permit2() common.Address
	Build(ctx context.Context, token common.Address, amount *big.Int, spender common.Address, deadline time.Time) (permit.SignedPermit, error)
}

type Refresher interface {
	Refresh(ctx context.Context, owner common.Address) error
}

type EventSink interface {
	PublishTransition(ctx context.Context, t depositevent.Transition) error
}

type TipSource interface {
	TipProof(ctx context.Context) (chainproof.TipProof, error)
}

type Config struct {
	ChainID *big.Int

	// OnTransition callbacks run synchronously, in order, for every status change. They must not
	// call Reset.
	OnTransition []func(State)

	Events    EventSink
	Store     Store
	Archive   blobstore.Store
	Refresher Refresher

	// BitcoinNet is the network Prepare decodes payout addresses for. Nil means mainnet.
	BitcoinNet *chaincfg.Params
	// Rand is the salt source. Nil means crypto/rand.
	Rand io.Reader
	Now  func() time.Time
}

type Orchestrator struct {
	cfg     Config
	chain   Chain
	permits PermitSigner
	log     *slog.Logger

	// emitMu orders transition delivery across the attempt goroutine and Reset.
	emitMu sync.Mutex

	mu       sync.Mutex
	gen      uint64
	inflight bool
	state    State
}

// New builds an Orchestrator. permits may be nil when swap-and-deposit is not used.
func New(cfg Config, chain Chain, permits PermitSigner, log *slog.Logger) (*Orchestrator, error) {
	if chain == nil {
		return nil, fmt.Errorf("%w: nil chain", ErrInvalidConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: ChainID must be > 0", ErrInvalidConfig)
	}
	for i, fn := range cfg.OnTransition {
		if fn == nil {
			return nil, fmt.Errorf("%w: OnTransition[%d] is nil", ErrInvalidConfig, i)
		}
	}
	if cfg.BitcoinNet == nil {
		cfg.BitcoinNet = &chaincfg.MainNetParams
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Orchestrator{cfg: cfg, chain: chain, permits: permits, log: log}, nil
}

// Snapshot returns a copy of the current state.
func (o *Orchestrator) Snapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.state
	s.Failure = copyFailure(s.Failure)
	return s
}

// Busy reports whether an attempt of the current generation is running.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inflight
}

// Reset returns the orchestrator to Idle. An attempt still in flight is orphaned: its later status
// updates are dropped, and it stops before any further wallet prompt or broadcast. A transaction
// already broadcast is not cancelled.
func (o *Orchestrator) Reset() {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	o.mu.Lock()
	prev := o.state
	wasInflight := o.inflight
	o.gen++
	o.inflight = false
	o.state = State{Status: StatusIdle}
	o.mu.Unlock()

	if wasInflight {
		o.log.Warn("attempt orphaned by reset", "attemptID", prev.AttemptID, "status", prev.Status.String(), "txHash", prev.TxHash)
	}
	if prev.Status != StatusIdle || (prev.AttemptID != common.Hash{}) {
		o.notify(State{Status: StatusIdle})
	}
}

// Pending is an attempt that already holds the in-flight slot but has not run yet. Callers that
// answer before the attempt finishes (the HTTP API) take the slot with Begin and run it elsewhere.
type Pending interface {
	AttemptID() common.Hash
	// Run drives the attempt to Confirmed or Error and frees the slot. Only the first call runs.
	Run(ctx context.Context) (Result, error)
}

type pendingAttempt struct {
	a    *attempt
	once sync.Once
	run  func(context.Context) (Result, error)
}

func (p *pendingAttempt) AttemptID() common.Hash { return p.a.id }

func (p *pendingAttempt) Run(ctx context.Context) (Result, error) {
	res, err := Result{AttemptID: p.a.id}, ErrAlreadyRun
	p.once.Do(func() {
		defer p.a.end()
		res, err = p.run(ctx)
	})
	return res, err
}

// Execute runs a plain deposit: allowance check, approval of the full balance when short, gas
// estimate, submit with twice the estimate, and wait for the receipt.
func (o *Orchestrator) Execute(ctx context.Context, params DepositLiquidityParams) (Result, error) {
	p, err := o.Begin(ctx, params)
	if err != nil {
		return Result{}, err
	}
	return p.Run(ctx)
}

// Begin validates params and takes the in-flight slot for a plain deposit. It fails with
// ErrAttemptInFlight or ErrResetRequired without touching the chain.
func (o *Orchestrator) Begin(ctx context.Context, params DepositLiquidityParams) (Pending, error) {
	p, err := NewDepositLiquidityParams(params)
	if err != nil {
		return nil, err
	}
	a, err := o.begin(ctx, KindDeposit, o.chain.Address(), p.ExchangeAddress, p.Token, p.DepositAmount, p.DepositSalt)
	if err != nil {
		return nil, err
	}
	return &pendingAttempt{a: a, run: func(ctx context.Context) (Result, error) { return a.deposit(ctx, p) }}, nil
}

func (a *attempt) deposit(ctx context.Context, p DepositLiquidityParams) (Result, error) {
	a.set(ctx, StatusWaitingForWalletConfirmation, common.Hash{}, nil)
	a.o.archive(ctx, a.id, "tip-proof.json", p.TipProof)

	if err := a.ensureAllowance(ctx, p.Token, p.ExchangeAddress, p.DepositAmount); err != nil {
		return a.fail(ctx, "approval", err)
	}
	a.set(ctx, StatusWaitingForWalletConfirmation, common.Hash{}, nil)

	data, err := riftabi.PackDepositLiquidity(p.contract(a.owner))
	if err != nil {
		return a.fail(ctx, "pack depositLiquidity", err)
	}
	return a.submit(ctx, p.ExchangeAddress, data)
}

// ExecuteSwap runs a swap-and-deposit through the bundler. The sell token is pulled with a Permit2
// signature, so the ERC-20 approval, when needed, goes to Permit2.
func (o *Orchestrator) ExecuteSwap(ctx context.Context, params DepositLiquidityParams, swap SwapParams) (Result, error) {
	p, err := o.BeginSwap(ctx, params, swap)
	if err != nil {
		return Result{}, err
	}
	return p.Run(ctx)
}

// BeginSwap is Begin for a swap-and-deposit.
func (o *Orchestrator) BeginSwap(ctx context.Context, params DepositLiquidityParams, swap SwapParams) (Pending, error) {
	if o.permits == nil {
		return nil, fmt.Errorf("%w: swap-and-deposit needs a permit signer", ErrInvalidConfig)
	}
	p, err := NewDepositLiquidityParams(params)
	if err != nil {
		return nil, err
	}
	if err := swap.validate(); err != nil {
		return nil, err
	}
	swap.SellAmount = new(big.Int).Set(swap.SellAmount)
	swap.SwapCalldata = append([]byte(nil), swap.SwapCalldata...)

	a, err := o.begin(ctx, KindSwap, o.chain.Address(), swap.Bundler, swap.SellToken, swap.SellAmount, p.DepositSalt)
	if err != nil {
		return nil, err
	}
	return &pendingAttempt{a: a, run: func(ctx context.Context) (Result, error) { return a.swapAndDeposit(ctx, p, swap) }}, nil
}

func (a *attempt) swapAndDeposit(ctx context.Context, p DepositLiquidityParams, swap SwapParams) (Result, error) {
	o := a.o
	a.set(ctx, StatusWaitingForWalletConfirmation, common.Hash{}, nil)
	o.archive(ctx, a.id, "tip-proof.json", p.TipProof)

	if err := a.ensureAllowance(ctx, swap.SellToken, o.permits.Permit2(), swap.SellAmount); err != nil {
		return a.fail(ctx, "permit2 approval", err)
	}

	a.set(ctx, StatusWaitingForDepositApproval, common.Hash{}, nil)
	if a.orphaned() {
		return a.abandon(ctx)
	}
	signed, err := o.permits.Build(ctx, swap.SellToken, swap.SellAmount, swap.Bundler, swap.Deadline)
	if err != nil {
		return a.fail(ctx, "sign permit", err)
	}
	a.set(ctx, StatusWaitingForWalletConfirmation, common.Hash{}, nil)

	data, err := riftabi.PackExecuteSwapAndDeposit(riftabi.SwapAndDeposit{
		SwapCalldata: swap.SwapCalldata,
		SwapRouter:   swap.SwapRouter,
		Permit:       signed.Permit,
		Owner:        signed.Owner,
		Signature:    signed.Signature,
		Params:       p.contract(a.owner),
	})
	if err != nil {
		return a.fail(ctx, "pack executeSwapAndDeposit", err)
	}
	return a.submit(ctx, swap.Bundler, data)
}

// Prepare fetches the current tip proof, draws a fresh salt and builds validated params for req.
func (o *Orchestrator) Prepare(ctx context.Context, tips TipSource, req Request) (DepositLiquidityParams, error) {
	if tips == nil {
		return DepositLiquidityParams{}, fmt.Errorf("%w: nil tip source", ErrInvalidConfig)
	}
	script, err := btcpayout.ScriptPubKey(req.BTCPayoutAddress, o.cfg.BitcoinNet)
	if err != nil {
		return DepositLiquidityParams{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	var salt [32]byte
	if _, err := io.ReadFull(o.cfg.Rand, salt[:]); err != nil {
		return DepositLiquidityParams{}, fmt.Errorf("deposit: generate salt: %w", err)
	}

	tip, err := tips.TipProof(ctx)
	if err != nil {
		kind := eth.KindTransport
		if eth.KindOf(err) == eth.KindTimeout {
			kind = eth.KindTimeout
		}
		return DepositLiquidityParams{}, &eth.Error{Kind: kind, Op: "tip proof", Err: err}
	}

	return NewDepositLiquidityParams(DepositLiquidityParams{
		ExchangeAddress:        req.ExchangeAddress,
		Token:                  req.Token,
		SpecifiedPayoutAddress: req.SpecifiedPayoutAddress,
		DepositAmount:          req.DepositAmount,
		ExpectedSats:           req.ExpectedSats,
		BTCPayoutScriptPubKey:  script,
		DepositSalt:            salt,
		ConfirmationBlocks:     req.ConfirmationBlocks,
		TipProof:               tip,
	})
}

// attempt is the per-Execute view of the orchestrator.
type attempt struct {
	o     *Orchestrator
	gen   uint64
	id    common.Hash
	kind  Kind
	owner common.Address

	last   Status
	txHash common.Hash
	seq    uint64
}

func (o *Orchestrator) begin(ctx context.Context, kind Kind, owner, target, token common.Address, amount *big.Int, salt [32]byte) (*attempt, error) {
	o.mu.Lock()
	if o.inflight {
		o.mu.Unlock()
		return nil, ErrAttemptInFlight
	}
	if o.state.Status.Terminal() {
		o.mu.Unlock()
		return nil, ErrResetRequired
	}
	id := idempotency.AttemptIDV1(string(kind), o.cfg.ChainID, owner, target, salt)
	o.inflight = true
	o.state = State{AttemptID: id, Kind: kind, Status: StatusIdle}
	a := &attempt{o: o, gen: o.gen, id: id, kind: kind, owner: owner}
	o.mu.Unlock()

	o.log.Info("attempt started", "attemptID", id, "kind", string(kind), "owner", owner, "target", target, "amount", amount.String())
	if o.cfg.Store != nil {
		sctx, cancel := sideContext(ctx)
		defer cancel()
		_, _, err := o.cfg.Store.Create(sctx, Attempt{
			ID: id, Kind: kind, Owner: owner, Target: target, Token: token, Amount: amount, Status: StatusIdle,
		})
		if err != nil {
			o.log.Error("store attempt", "attemptID", id, "err", err)
		}
	}
	return a, nil
}

func (a *attempt) end() {
	a.o.mu.Lock()
	if a.gen == a.o.gen {
		a.o.inflight = false
	}
	a.o.mu.Unlock()
}

func (a *attempt) orphaned() bool {
	a.o.mu.Lock()
	defer a.o.mu.Unlock()
	return a.gen != a.o.gen
}

// set records a transition. Repeating the current status without new data is a no-op. The store
// always sees the transition; observers only while the attempt is not orphaned.
func (a *attempt) set(ctx context.Context, status Status, txHash common.Hash, failure *Failure) {
	if status == a.last && failure == nil && (txHash == common.Hash{} || txHash == a.txHash) {
		return
	}
	a.last = status
	if (txHash != common.Hash{}) {
		a.txHash = txHash
	}
	a.seq++

	o := a.o
	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	if o.cfg.Store != nil {
		sctx, cancel := sideContext(ctx)
		err := o.cfg.Store.Transition(sctx, a.id, status, txHash, failure)
		cancel()
		if err != nil {
			o.log.Error("store transition", "attemptID", a.id, "status", status.String(), "err", err)
		}
	}

	o.mu.Lock()
	if a.gen != o.gen {
		o.mu.Unlock()
		return
	}
	o.state.Status = status
	o.state.TxHash = a.txHash
	o.state.Failure = copyFailure(failure)
	snap := o.state
	o.mu.Unlock()

	o.log.Info("deposit status", "attemptID", a.id, "seq", a.seq, "status", status.String())
	o.notify(snap)
	if o.cfg.Events != nil {
		t := depositevent.Transition{
			AttemptID: a.id,
			Kind:      string(a.kind),
			Seq:       a.seq,
			Status:    status.String(),
			Owner:     a.owner,
			TxHash:    a.txHash,
			At:        o.cfg.Now(),
		}
		if failure != nil {
			t.ErrorKind = failure.Kind.String()
			t.Error = failure.Message
			t.Reason = failure.Reason
		}
		sctx, cancel := sideContext(ctx)
		err := o.cfg.Events.PublishTransition(sctx, t)
		cancel()
		if err != nil {
			o.log.Error("publish transition", "attemptID", a.id, "seq", a.seq, "err", err)
		}
	}
}

func (o *Orchestrator) notify(s State) {
	for _, fn := range o.cfg.OnTransition {
		c := s
		c.Failure = copyFailure(s.Failure)
		fn(c)
	}
}

// ensureAllowance approves owner's full token balance to spender when the current allowance does
// not cover amount, and waits for the approval to be mined.
func (a *attempt) ensureAllowance(ctx context.Context, token, spender common.Address, amount *big.Int) error {
	chain := a.o.chain
	allowance, err := chain.Allowance(ctx, token, a.owner, spender)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}

	a.set(ctx, StatusWaitingForDepositTokenApproval, common.Hash{}, nil)
	balance, err := chain.BalanceOf(ctx, token, a.owner)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return &eth.Error{
			Kind: eth.KindSimulationReverted,
			Op:   "balance check",
			Err:  fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, amount),
		}
	}
	if a.orphaned() {
		return ErrAttemptReset
	}
	approveTx, err := chain.Approve(ctx, token, spender, balance)
	if err != nil {
		return err
	}
	a.set(ctx, StatusApprovalPending, common.Hash{}, nil)
	a.o.log.Info("approval sent", "attemptID", a.id, "token", token, "spender", spender, "amount", balance.String(), "txHash", approveTx)

	if _, err := chain.WaitMined(ctx, approveTx); err != nil {
		return err
	}
	return nil
}

// submit estimates gas, sends data to `to` with twice the estimate and waits for the receipt.
func (a *attempt) submit(ctx context.Context, to common.Address, data []byte) (Result, error) {
	chain := a.o.chain
	est, err := chain.EstimateGas(ctx, eth.TxRequest{To: to, Data: data})
	if err != nil {
		return a.fail(ctx, "estimate gas", err)
	}
	gasLimit, err := DoubleGas(est)
	if err != nil {
		return a.fail(ctx, "gas limit", err)
	}
	if a.orphaned() {
		return a.abandon(ctx)
	}

	txHash, err := chain.Send(ctx, eth.TxRequest{To: to, Data: data, GasLimit: gasLimit})
	if err != nil {
		return a.fail(ctx, "send", err)
	}
	a.set(ctx, StatusDepositPending, txHash, nil)
	a.o.log.Info("deposit sent", "attemptID", a.id, "txHash", txHash, "gasLimit", gasLimit, "gasEstimate", est)

	receipt, err := chain.WaitMined(ctx, txHash)
	if err != nil {
		if receipt != nil {
			a.o.archive(ctx, a.id, "receipt.json", a.receiptRecord(receipt, StatusError, failureOf(err)))
		}
		return a.fail(ctx, "wait mined", err)
	}
	a.set(ctx, StatusConfirmed, txHash, nil)
	a.o.archive(ctx, a.id, "receipt.json", a.receiptRecord(receipt, StatusConfirmed, nil))

	if r := a.o.cfg.Refresher; r != nil {
		if err := r.Refresh(ctx, a.owner); err != nil {
			a.o.log.Warn("refresh after deposit", "attemptID", a.id, "err", err)
		}
	}
	return Result{AttemptID: a.id, TxHash: txHash, Receipt: receipt}, nil
}

// fail moves the attempt to StatusError. There is no retry; the caller resets and starts over.
func (a *attempt) fail(ctx context.Context, step string, err error) (Result, error) {
	if errors.Is(err, ErrAttemptReset) {
		return a.abandon(ctx)
	}
	f := failureOf(err)
	a.set(ctx, StatusError, common.Hash{}, f)
	a.o.log.Error("attempt failed", "attemptID", a.id, "step", step, "kind", f.Kind.String(), "reason", f.Reason, "err", err)
	return Result{AttemptID: a.id, TxHash: a.txHash}, fmt.Errorf("deposit: %s: %w", step, err)
}

func failureOf(err error) *Failure {
	f := &Failure{Kind: eth.KindOf(err), Message: err.Error(), Reason: errdecode.Decode(err)}
	if f.Message == "" {
		f.Message = jsonText(err)
	}
	return f
}

// abandon ends an orphaned attempt before it prompts the wallet or broadcasts.
func (a *attempt) abandon(ctx context.Context) (Result, error) {
	a.set(ctx, StatusError, common.Hash{}, &Failure{Kind: eth.KindUnknown, Message: ErrAttemptReset.Error(), Reason: "Attempt was reset."})
	return Result{AttemptID: a.id}, ErrAttemptReset
}

func (a *attempt) receiptRecord(r *types.Receipt, status Status, f *Failure) archivedReceipt {
	return archivedReceipt{
		AttemptID:   a.id,
		Kind:        a.kind,
		Status:      status,
		TxHash:      r.TxHash,
		BlockNumber: r.BlockNumber,
		BlockHash:   r.BlockHash,
		GasUsed:     r.GasUsed,
		Logs:        len(r.Logs),
		Failure:     f.record(),
	}
}

func (o *Orchestrator) archive(ctx context.Context, id common.Hash, name string, v any) {
	if o.cfg.Archive == nil {
		return
	}
	sctx, cancel := sideContext(ctx)
	defer cancel()
	key := blobstore.AttemptKey(id, name)
	if err := blobstore.PutJSON(sctx, o.cfg.Archive, key, v, map[string]string{"attempt": id.Hex()}); err != nil {
		o.log.Error("archive artifact", "attemptID", id, "key", key, "err", err)
	}
}

// DoubleGas returns the deposit gas limit: exactly twice the node's estimate.
func DoubleGas(estimate uint64) (uint64, error) {
	if estimate == 0 {
		return 0, fmt.Errorf("%w: zero estimate", ErrInvalidGasEstimate)
	}
	if estimate > math.MaxUint64/2 {
		return 0, fmt.Errorf("%w: %d overflows when doubled", ErrInvalidGasEstimate, estimate)
	}
	return estimate * 2, nil
}

// sideContext bounds store, queue and archive writes. They outlive the caller's cancellation so
// the final Error transition is still recorded.
func sideContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
}
