package eth

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const testKeyHex = "4f3edf983ac636a65a842ce7c78d9aa706d3b113b37c2b1b4c1c5f5d8f5e2d3a"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

type fakeBackend struct {
	mu sync.Mutex

	pendingNonce uint64
	nonceCalls   int

	suggestTip  *big.Int
	baseFee     *big.Int
	gasEst      uint64
	estimateErr error

	callResult []byte
	callErr    error
	calls      []ethereum.CallMsg

	sent []*types.Transaction

	receipts map[common.Hash]*types.Receipt

	sendHook func(tx *types.Transaction) error
}

func (b *fakeBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonceCalls++
	return b.pendingNonce, nil
}

func (b *fakeBackend) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.suggestTip), nil
}

func (b *fakeBackend) HeaderByNumber(_ context.Context, _ *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &types.Header{BaseFee: new(big.Int).Set(b.baseFee)}, nil
}

func (b *fakeBackend) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.estimateErr != nil {
		return 0, b.estimateErr
	}
	return b.gasEst, nil
}

func (b *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, msg)
	if b.callErr != nil {
		return nil, b.callErr
	}
	return b.callResult, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	if b.sendHook != nil {
		return b.sendHook(tx)
	}
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.receipts == nil {
		b.receipts = make(map[common.Hash]*types.Receipt)
	}
	if r, ok := b.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

// revertErr mimics the JSON-RPC error go-ethereum returns for a reverted eth_call or eth_estimateGas.
type revertErr struct {
	data string
}

func (e revertErr) Error() string          { return "execution reverted" }
func (e revertErr) ErrorCode() int         { return 3 }
func (e revertErr) ErrorData() interface{} { return e.data }

type rejectingSigner struct{ Signer }

func (rejectingSigner) SignTx(*types.Transaction, *big.Int) (*types.Transaction, error) {
	return nil, ErrUserRejected
}

func (rejectingSigner) SignTypedData(apitypes.TypedData) ([]byte, error) {
	return nil, ErrUserRejected
}

func newTestGateway(t *testing.T, backend *fakeBackend, clock *fakeClock, signer Signer) *Gateway {
	t.Helper()

	if signer == nil {
		key, err := crypto.HexToECDSA(testKeyHex)
		if err != nil {
			t.Fatalf("HexToECDSA: %v", err)
		}
		signer = NewLocalSigner(key)
	}
	g, err := NewGateway(backend, signer, GatewayConfig{
		ChainID:             big.NewInt(1),
		GasLimitMultiplier:  1.2,
		Fees:                FeePolicy{MinTipCap: big.NewInt(1)},
		ReceiptPollInterval: 2 * time.Second,
		ReceiptTimeout:      time.Minute,
		Now:                 clock.Now,
		Sleep:               clock.Sleep,
	})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	return g
}

func testBackend() *fakeBackend {
	return &fakeBackend{
		pendingNonce: 7,
		suggestTip:   big.NewInt(2),
		baseFee:      big.NewInt(100),
		gasEst:       50_000,
		receipts:     make(map[common.Hash]*types.Receipt),
	}
}

func TestGateway_SendBuildsDynamicFeeTxAndWaitMinedReturnsReceipt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)}
	backend := testBackend()
	g := newTestGateway(t, backend, clock, nil)

	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	h, err := g.Send(ctx, TxRequest{To: to, Data: []byte{0x01}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("sent: got %d want 1", len(backend.sent))
	}
	tx := backend.sent[0]
	if tx.Hash() != h {
		t.Fatalf("hash mismatch")
	}
	if tx.Type() != types.DynamicFeeTxType {
		t.Fatalf("tx type: got %d", tx.Type())
	}
	if tx.Nonce() != 7 {
		t.Fatalf("nonce: got %d want 7", tx.Nonce())
	}
	if tx.Gas() != 60_000 {
		t.Fatalf("gas: got %d want 60000", tx.Gas())
	}
	if tx.GasTipCap().Cmp(big.NewInt(2)) != 0 || tx.GasFeeCap().Cmp(big.NewInt(202)) != 0 {
		t.Fatalf("fees: tip=%s fee=%s", tx.GasTipCap(), tx.GasFeeCap())
	}
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), tx)
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if from != g.Address() {
		t.Fatalf("sender: got %s want %s", from, g.Address())
	}

	// Mined after two polls.
	polls := 0
	backend.mu.Lock()
	backend.receipts = nil
	backend.mu.Unlock()
	g.cfg.Sleep = func(ctx context.Context, d time.Duration) error {
		polls++
		if polls == 2 {
			backend.mu.Lock()
			backend.receipts = map[common.Hash]*types.Receipt{h: {TxHash: h, Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(9)}}
			backend.mu.Unlock()
		}
		return clock.Sleep(ctx, d)
	}
	r, err := g.WaitMined(ctx, h)
	if err != nil {
		t.Fatalf("WaitMined: %v", err)
	}
	if r.BlockNumber.Int64() != 9 {
		t.Fatalf("receipt block: got %s", r.BlockNumber)
	}
}

func TestGateway_ConsecutiveSendsUseSequentialNonces(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	backend := testBackend()
	g := newTestGateway(t, backend, clock, nil)

	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	for i := 0; i < 2; i++ {
		if _, err := g.Send(context.Background(), TxRequest{To: to, GasLimit: 21_000}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if backend.sent[0].Nonce() != 7 || backend.sent[1].Nonce() != 8 {
		t.Fatalf("nonces: %d, %d", backend.sent[0].Nonce(), backend.sent[1].Nonce())
	}
	if backend.sent[0].Gas() != 21_000 {
		t.Fatalf("explicit gas limit ignored: %d", backend.sent[0].Gas())
	}
	// One pending-nonce read per Send; the local counter stays ahead of the node's.
	if backend.nonceCalls != 2 {
		t.Fatalf("nonce calls: got %d want 2", backend.nonceCalls)
	}
}

func TestGateway_RejectedSignatureReleasesNonce(t *testing.T) {
	t.Parallel()

	key, err := crypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}
	clock := &fakeClock{now: time.Unix(0, 0)}
	backend := testBackend()
	g := newTestGateway(t, backend, clock, rejectingSigner{NewLocalSigner(key)})

	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	_, err = g.Send(context.Background(), TxRequest{To: to})
	if KindOf(err) != KindUserRejected {
		t.Fatalf("kind: got %s (%v)", KindOf(err), err)
	}
	if !errors.Is(err, ErrUserRejected) {
		t.Fatalf("expected ErrUserRejected in chain, got %v", err)
	}
	if len(backend.sent) != 0 {
		t.Fatalf("rejected tx was broadcast")
	}

	n, err := g.nonces.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if n != 7 {
		t.Fatalf("nonce after rejection: got %d want 7", n)
	}
}

// sendRPCErr mimics a JSON-RPC error object returned by the node.
type sendRPCErr struct{ msg string }

func (e sendRPCErr) Error() string  { return e.msg }
func (e sendRPCErr) ErrorCode() int { return -32000 }

func TestGateway_AmbiguousSendFailureKeepsNonce(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	backend := testBackend()
	backend.sendHook = func(*types.Transaction) error { return errors.New("read tcp: i/o timeout") }
	g := newTestGateway(t, backend, clock, nil)

	_, err := g.Send(context.Background(), TxRequest{To: common.HexToAddress("0x01"), GasLimit: 21_000})
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if e.Kind != KindTransport || e.Op != "send tx" {
		t.Fatalf("error: %+v", e)
	}
	if e.TxHash != backend.sent[0].Hash() {
		t.Fatalf("tx hash not attached")
	}
	if !e.Kind.Retryable() {
		t.Fatalf("transport errors must be retryable")
	}

	backend.sendHook = nil
	if _, err := g.Send(context.Background(), TxRequest{To: common.HexToAddress("0x01"), GasLimit: 21_000}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if backend.sent[1].Nonce() != backend.sent[0].Nonce()+1 {
		t.Fatalf("nonce of a possibly broadcast tx was reused: %d then %d", backend.sent[0].Nonce(), backend.sent[1].Nonce())
	}
}

func TestGateway_RefusedSendReleasesNonce(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	backend := testBackend()
	backend.sendHook = func(*types.Transaction) error { return sendRPCErr{msg: "insufficient funds for gas * price + value"} }
	g := newTestGateway(t, backend, clock, nil)

	if _, err := g.Send(context.Background(), TxRequest{To: common.HexToAddress("0x01"), GasLimit: 21_000}); err == nil {
		t.Fatalf("expected error")
	}
	backend.sendHook = nil
	if _, err := g.Send(context.Background(), TxRequest{To: common.HexToAddress("0x01"), GasLimit: 21_000}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if backend.sent[1].Nonce() != backend.sent[0].Nonce() {
		t.Fatalf("nonce not reused: %d vs %d", backend.sent[1].Nonce(), backend.sent[0].Nonce())
	}
}

func TestGateway_FollowsNonceAdvancedElsewhere(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	backend := testBackend()
	g := newTestGateway(t, backend, clock, nil)

	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	if _, err := g.Send(context.Background(), TxRequest{To: to, GasLimit: 21_000}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	// Another client sent three txs from the same wallet.
	backend.mu.Lock()
	backend.pendingNonce = 11
	backend.mu.Unlock()

	if _, err := g.Send(context.Background(), TxRequest{To: to, GasLimit: 21_000}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := backend.sent[1].Nonce(); got != 11 {
		t.Fatalf("nonce: got %d want 11", got)
	}
}

func TestGateway_NonceTooLowResyncsAndRetriesOnce(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	backend := testBackend()
	calls := 0
	backend.sendHook = func(tx *types.Transaction) error {
		calls++
		if calls == 1 {
			// The node saw nonce 7 from elsewhere after our pending read.
			backend.pendingNonce = 9
			return sendRPCErr{msg: "nonce too low: next nonce 9, tx nonce 7"}
		}
		return nil
	}
	g := newTestGateway(t, backend, clock, nil)

	h, err := g.Send(context.Background(), TxRequest{To: common.HexToAddress("0x01"), GasLimit: 21_000})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(backend.sent) != 2 || backend.sent[1].Nonce() != 9 || h != backend.sent[1].Hash() {
		t.Fatalf("retry: sent=%d nonce=%d", len(backend.sent), backend.sent[len(backend.sent)-1].Nonce())
	}

	backend.sendHook = func(*types.Transaction) error { return sendRPCErr{msg: "nonce too low"} }
	if _, err := g.Send(context.Background(), TxRequest{To: common.HexToAddress("0x01"), GasLimit: 21_000}); err == nil {
		t.Fatalf("expected error after one retry")
	}
	if len(backend.sent) != 4 {
		t.Fatalf("retried more than once: sent=%d", len(backend.sent))
	}
}

func TestGateway_NonceGapMovesCounterBack(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	backend := testBackend()
	g := newTestGateway(t, backend, clock, nil)

	to := common.HexToAddress("0x01")
	// Nonce 7 is kept reserved after an ambiguous failure, but the tx never reached the node.
	backend.sendHook = func(*types.Transaction) error { return context.DeadlineExceeded }
	if _, err := g.Send(context.Background(), TxRequest{To: to, GasLimit: 21_000}); err == nil {
		t.Fatalf("expected error")
	}
	calls := 0
	backend.sendHook = func(tx *types.Transaction) error {
		calls++
		if calls == 1 {
			return sendRPCErr{msg: "nonce too high"}
		}
		return nil
	}
	if _, err := g.Send(context.Background(), TxRequest{To: to, GasLimit: 21_000}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := backend.sent[1].Nonce(); got != 8 {
		t.Fatalf("first try nonce: got %d want 8", got)
	}
	if got := backend.sent[2].Nonce(); got != 7 {
		t.Fatalf("retry nonce: got %d want 7", got)
	}
}

func TestGateway_AlreadyKnownIsSuccess(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	backend := testBackend()
	backend.sendHook = func(*types.Transaction) error { return sendRPCErr{msg: "already known"} }
	g := newTestGateway(t, backend, clock, nil)

	h, err := g.Send(context.Background(), TxRequest{To: common.HexToAddress("0x01"), GasLimit: 21_000})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if h != backend.sent[0].Hash() {
		t.Fatalf("hash: %s", h)
	}
}

func TestGateway_SimulationRevertCarriesRevertData(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	backend := testBackend()
	backend.estimateErr = revertErr{data: "0x900218ca"}
	g := newTestGateway(t, backend, clock, nil)

	_, err := g.Send(context.Background(), TxRequest{To: common.HexToAddress("0x01")})
	if KindOf(err) != KindSimulationReverted {
		t.Fatalf("kind: got %s (%v)", KindOf(err), err)
	}
	data, ok := RevertData(err)
	if !ok || common.Bytes2Hex(data) != "900218ca" {
		t.Fatalf("revert data: %x ok=%v", data, ok)
	}
	if len(backend.sent) != 0 {
		t.Fatalf("reverting tx was broadcast")
	}
	if KindOf(err).Retryable() {
		t.Fatalf("simulation reverts must not be retryable")
	}
}

func TestGateway_WaitMinedReportsRevertedReceipt(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	backend := testBackend()
	h := common.HexToHash("0xabc")
	backend.receipts[h] = &types.Receipt{TxHash: h, Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(3)}
	g := newTestGateway(t, backend, clock, nil)

	r, err := g.WaitMined(context.Background(), h)
	if r == nil {
		t.Fatalf("expected the failed receipt to be returned")
	}
	if KindOf(err) != KindExecutionReverted || !errors.Is(err, ErrReverted) {
		t.Fatalf("error: %v", err)
	}
	if !strings.Contains(err.Error(), h.Hex()) {
		t.Fatalf("error should name the tx: %v", err)
	}
}

func TestGateway_WaitMinedTimesOut(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	backend := testBackend()
	g := newTestGateway(t, backend, clock, nil)

	_, err := g.WaitMined(context.Background(), common.HexToHash("0xdef"))
	if KindOf(err) != KindTimeout || !errors.Is(err, ErrReceiptTimeout) {
		t.Fatalf("error: %v", err)
	}
	if got := clock.Now().Sub(time.Unix(0, 0)); got < time.Minute {
		t.Fatalf("gave up after %s", got)
	}
}

func TestGateway_ReadsUint256Views(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	backend := testBackend()
	backend.callResult = common.LeftPadBytes([]byte{0x03}, 32)
	g := newTestGateway(t, backend, clock, nil)

	permit2 := common.HexToAddress("0x000000000022D473030F116dDEE9F6B43aC78BA3")
	bm, err := g.NonceBitmap(context.Background(), permit2, g.Address(), big.NewInt(0))
	if err != nil {
		t.Fatalf("NonceBitmap: %v", err)
	}
	if bm.Int64() != 3 {
		t.Fatalf("bitmap: got %s", bm)
	}
	if *backend.calls[0].To != permit2 {
		t.Fatalf("call target: %s", backend.calls[0].To)
	}

	backend.callErr = errors.New("dial tcp: i/o timeout")
	_, err = g.BalanceOf(context.Background(), common.HexToAddress("0x02"), g.Address())
	var e *Error
	if !errors.As(err, &e) || e.Op != "balanceOf" || e.Kind != KindTransport {
		t.Fatalf("error: %#v", err)
	}
}

func TestNewGateway_ValidatesConfig(t *testing.T) {
	t.Parallel()

	key, err := crypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}
	s := NewLocalSigner(key)
	ok := GatewayConfig{ChainID: big.NewInt(1), GasLimitMultiplier: 1, ReceiptPollInterval: time.Second}

	if _, err := NewGateway(nil, s, ok); !errors.Is(err, ErrInvalidGatewayConfig) {
		t.Fatalf("nil backend: %v", err)
	}
	bad := ok
	bad.ChainID = nil
	if _, err := NewGateway(testBackend(), s, bad); !errors.Is(err, ErrInvalidGatewayConfig) {
		t.Fatalf("nil chain id: %v", err)
	}
	bad = ok
	bad.ReceiptPollInterval = 0
	if _, err := NewGateway(testBackend(), s, bad); !errors.Is(err, ErrInvalidGatewayConfig) {
		t.Fatalf("zero poll interval: %v", err)
	}
	if _, err := NewGateway(testBackend(), NewLocalSigner(nil), ok); !errors.Is(err, ErrInvalidGatewayConfig) {
		t.Fatalf("zero signer address: %v", err)
	}
}
