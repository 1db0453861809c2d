package depositapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/riftexchange/rift-client/internal/asset"
	"github.com/riftexchange/rift-client/internal/chainproof"
	"github.com/riftexchange/rift-client/internal/deposit"
	"github.com/riftexchange/rift-client/internal/eth"
	"github.com/riftexchange/rift-client/internal/idempotency"
	"github.com/riftexchange/rift-client/internal/portfolio"
)

const registryYAML = `
assets:
  - name: Coinbase Wrapped BTC
    symbol: cbBTC
    decimals: 8
    chainId: 8453
    token: "0xcbB7C0000aB88B473b1f5aFd9ef808440eed33Bf"
    exchange: "0x00000000000000000000000000000000000000e1"
    bundler: "0x00000000000000000000000000000000000000b1"
    dataEngineUrl: https://engine.example/base
    minDeposit: "0.0001"
  - name: USD Coin
    symbol: USDC
    decimals: 6
    chainId: 8453
    token: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
    exchange: "0x00000000000000000000000000000000000000e2"
    dataEngineUrl: http://localhost:4000
`

var (
	testOwner = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testSalt  = [32]byte{31: 9}
	testNow   = time.Unix(1_700_000_000, 0).UTC()
)

type fakeOrchestrator struct {
	mu sync.Mutex

	state      deposit.State
	busy       bool
	prepareErr error
	beginErr   error

	requests []deposit.Request
	executed []deposit.DepositLiquidityParams
	swaps    []deposit.SwapParams
	resets   int
}

func (f *fakeOrchestrator) Snapshot() deposit.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeOrchestrator) Busy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

func (f *fakeOrchestrator) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.state = deposit.State{Status: deposit.StatusIdle}
}

func (f *fakeOrchestrator) Prepare(ctx context.Context, tips deposit.TipSource, req deposit.Request) (deposit.DepositLiquidityParams, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	err := f.prepareErr
	f.mu.Unlock()
	if err != nil {
		return deposit.DepositLiquidityParams{}, err
	}
	tip, err := tips.TipProof(ctx)
	if err != nil {
		return deposit.DepositLiquidityParams{}, err
	}
	return deposit.DepositLiquidityParams{
		ExchangeAddress:        req.ExchangeAddress,
		Token:                  req.Token,
		SpecifiedPayoutAddress: req.SpecifiedPayoutAddress,
		DepositAmount:          req.DepositAmount,
		ExpectedSats:           req.ExpectedSats,
		BTCPayoutScriptPubKey:  []byte{0x00, 0x14},
		DepositSalt:            testSalt,
		ConfirmationBlocks:     req.ConfirmationBlocks,
		TipProof:               tip,
	}, nil
}

func (f *fakeOrchestrator) Begin(_ context.Context, p deposit.DepositLiquidityParams) (deposit.Pending, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	id := idempotency.AttemptIDV1(string(deposit.KindDeposit), big.NewInt(8453), testOwner, p.ExchangeAddress, p.DepositSalt)
	return &fakePending{id: id, run: func() (deposit.Result, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.executed = append(f.executed, p)
		return deposit.Result{AttemptID: id, TxHash: common.HexToHash("0xdd")}, nil
	}}, nil
}

func (f *fakeOrchestrator) BeginSwap(_ context.Context, p deposit.DepositLiquidityParams, s deposit.SwapParams) (deposit.Pending, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	id := idempotency.AttemptIDV1(string(deposit.KindSwap), big.NewInt(8453), testOwner, s.Bundler, p.DepositSalt)
	return &fakePending{id: id, run: func() (deposit.Result, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.executed = append(f.executed, p)
		f.swaps = append(f.swaps, s)
		return deposit.Result{}, errors.New("wallet closed")
	}}, nil
}

type fakePending struct {
	id  common.Hash
	run func() (deposit.Result, error)
}

func (p *fakePending) AttemptID() common.Hash { return p.id }

func (p *fakePending) Run(context.Context) (deposit.Result, error) { return p.run() }

type fakeTips struct{}

func (fakeTips) TipProof(context.Context) (chainproof.TipProof, error) {
	return chainproof.TipProof{Leaf: chainproof.BlockLeaf{BlockHash: common.HexToHash("0x01"), Height: 7, CumulativeChainwork: big.NewInt(1)}}, nil
}

type fakeAccounts struct {
	refreshed int
	snap      *portfolio.Snapshot
}

func (f *fakeAccounts) Refresh(context.Context, common.Address) error {
	f.refreshed++
	return nil
}

func (f *fakeAccounts) Snapshot(common.Address) (portfolio.Snapshot, bool) {
	if f.snap == nil {
		return portfolio.Snapshot{}, false
	}
	return *f.snap, true
}

func newTestHandler(t *testing.T, orch *fakeOrchestrator, mutate func(*Config, *Deps)) http.Handler {
	t.Helper()
	reg, err := asset.Parse([]byte(registryYAML))
	if err != nil {
		t.Fatalf("asset.Parse: %v", err)
	}
	cfg := Config{
		Owner: testOwner,
		Now:   func() time.Time { return testNow },
		Go:    func(fn func()) { fn() },
	}
	deps := Deps{Orchestrator: orch, Assets: reg, Tips: fakeTips{}}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	h, err := NewHandler(cfg, deps, nil)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}

func do(t *testing.T, h http.Handler, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		r.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		r.Header[k] = v
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var out struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	return out.Error
}

func TestNewHandler_RejectsMissingDeps(t *testing.T) {
	t.Parallel()

	if _, err := NewHandler(Config{}, Deps{}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewHandler(Config{Owner: testOwner}, Deps{Orchestrator: &fakeOrchestrator{}}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestHandler_Auth(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, &fakeOrchestrator{}, func(c *Config, _ *Deps) { c.AuthToken = "secret" })

	if rr := do(t, h, http.MethodGet, "/healthz", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/v1/deposit", "", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/v1/deposit", "", http.Header{"Authorization": {"Bearer wrong"}}); rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/v1/deposit", "", http.Header{"Authorization": {"Bearer secret"}}); rr.Code != http.StatusOK {
		t.Fatalf("good token: %d", rr.Code)
	}
}

func TestHandler_StartDeposit(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{}
	h := newTestHandler(t, orch, nil)

	rr := do(t, h, http.MethodPost, "/v1/deposit", `{"asset":"usdc","amount":"1.5","expectedSats":"2500","btcPayoutAddress":"bc1qexample"}`, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status: %d body=%s", rr.Code, rr.Body.String())
	}
	var out startedResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	exchange := common.HexToAddress("0x00000000000000000000000000000000000000e2")
	want := idempotency.AttemptIDV1("deposit", big.NewInt(8453), testOwner, exchange, testSalt)
	if out.AttemptID != want.Hex() || out.Kind != "deposit" {
		t.Fatalf("response: %+v", out)
	}

	if len(orch.requests) != 1 {
		t.Fatalf("prepare calls: %d", len(orch.requests))
	}
	req := orch.requests[0]
	if req.DepositAmount.Cmp(big.NewInt(1_500_000)) != 0 {
		t.Fatalf("amount: %s", req.DepositAmount)
	}
	if req.SpecifiedPayoutAddress != testOwner || req.ConfirmationBlocks != 2 || req.ExpectedSats != 2500 || req.BTCPayoutAddress != "bc1qexample" {
		t.Fatalf("request: %+v", req)
	}
	if len(orch.executed) != 1 || orch.executed[0].ExchangeAddress != exchange {
		t.Fatalf("executed: %+v", orch.executed)
	}
}

func TestHandler_DepositValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		code int
		err  string
	}{
		{"unknown field", `{"asset":"USDC","amount":"1","expectedSats":"1","btcPayoutAddress":"x","extra":1}`, http.StatusBadRequest, "invalid_json"},
		{"trailing data", `{"asset":"USDC","amount":"1","expectedSats":"1","btcPayoutAddress":"x"} {}`, http.StatusBadRequest, "invalid_json"},
		{"unknown asset", `{"asset":"DOGE","amount":"1","expectedSats":"1","btcPayoutAddress":"x"}`, http.StatusBadRequest, "unknown_asset"},
		{"below minimum", `{"asset":"cbBTC","amount":"0.00001","expectedSats":"1","btcPayoutAddress":"x"}`, http.StatusBadRequest, "invalid_amount"},
		{"too many decimals", `{"asset":"USDC","amount":"0.0000001","expectedSats":"1","btcPayoutAddress":"x"}`, http.StatusBadRequest, "invalid_amount"},
		{"zero sats", `{"asset":"USDC","amount":"1","expectedSats":"0","btcPayoutAddress":"x"}`, http.StatusBadRequest, "invalid_expected_sats"},
		{"bad payout", `{"asset":"USDC","amount":"1","expectedSats":"1","btcPayoutAddress":"x","payoutAddress":"0x12"}`, http.StatusBadRequest, "invalid_payout_address"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			orch := &fakeOrchestrator{}
			h := newTestHandler(t, orch, nil)
			rr := do(t, h, http.MethodPost, "/v1/deposit", tc.body, nil)
			if rr.Code != tc.code {
				t.Fatalf("status: got %d want %d body=%s", rr.Code, tc.code, rr.Body.String())
			}
			if got := errorCode(t, rr); got != tc.err {
				t.Fatalf("error: got %q want %q", got, tc.err)
			}
			if len(orch.executed) != 0 {
				t.Fatalf("attempt started for invalid request")
			}
		})
	}
}

func TestHandler_DepositConflicts(t *testing.T) {
	t.Parallel()

	body := `{"asset":"USDC","amount":"1","expectedSats":"1","btcPayoutAddress":"x"}`

	busy := &fakeOrchestrator{busy: true}
	if rr := do(t, newTestHandler(t, busy, nil), http.MethodPost, "/v1/deposit", body, nil); rr.Code != http.StatusConflict || errorCode(t, rr) != "attempt_in_flight" {
		t.Fatalf("busy: %d %s", rr.Code, rr.Body.String())
	}

	done := &fakeOrchestrator{state: deposit.State{Status: deposit.StatusError}}
	if rr := do(t, newTestHandler(t, done, nil), http.MethodPost, "/v1/deposit", body, nil); rr.Code != http.StatusConflict || errorCode(t, rr) != "reset_required" {
		t.Fatalf("terminal: %d %s", rr.Code, rr.Body.String())
	}

	// The slot was taken by another request after the early Busy check passed.
	raced := &fakeOrchestrator{beginErr: deposit.ErrAttemptInFlight}
	if rr := do(t, newTestHandler(t, raced, nil), http.MethodPost, "/v1/deposit", body, nil); rr.Code != http.StatusConflict || errorCode(t, rr) != "attempt_in_flight" {
		t.Fatalf("begin in flight: %d %s", rr.Code, rr.Body.String())
	}
	if len(raced.executed) != 0 {
		t.Fatalf("rejected attempt ran")
	}
}

func TestHandler_SecondDepositRejectedBeforeFirstRuns(t *testing.T) {
	t.Parallel()

	chain := &okChain{}
	orch, err := deposit.New(deposit.Config{ChainID: big.NewInt(8453)}, chain, nil, nil)
	if err != nil {
		t.Fatalf("deposit.New: %v", err)
	}
	var queued []func()
	reg, err := asset.Parse([]byte(registryYAML))
	if err != nil {
		t.Fatalf("asset.Parse: %v", err)
	}
	h, err := NewHandler(Config{
		Owner: testOwner,
		Now:   func() time.Time { return testNow },
		Go:    func(fn func()) { queued = append(queued, fn) },
	}, Deps{Orchestrator: orch, Assets: reg, Tips: fakeTips{}}, nil)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	body := `{"asset":"USDC","amount":"1","expectedSats":"1","btcPayoutAddress":"bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"}`
	first := do(t, h, http.MethodPost, "/v1/deposit", body, nil)
	if first.Code != http.StatusAccepted {
		t.Fatalf("first: %d %s", first.Code, first.Body.String())
	}
	var started startedResponse
	if err := json.Unmarshal(first.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !orch.Busy() {
		t.Fatalf("slot not taken before the response")
	}

	second := do(t, h, http.MethodPost, "/v1/deposit", body, nil)
	if second.Code != http.StatusConflict || errorCode(t, second) != "attempt_in_flight" {
		t.Fatalf("second: %d %s", second.Code, second.Body.String())
	}
	if len(queued) != 1 {
		t.Fatalf("queued attempts: got %d want 1", len(queued))
	}

	queued[0]()
	st := orch.Snapshot()
	if st.Status != deposit.StatusConfirmed || st.AttemptID.Hex() != started.AttemptID {
		t.Fatalf("state: %+v want attempt %s confirmed", st, started.AttemptID)
	}
	if chain.sends != 1 {
		t.Fatalf("sends: %d", chain.sends)
	}
}

// okChain has enough allowance and mines every transaction.
type okChain struct {
	mu    sync.Mutex
	sends int
}

func (c *okChain) Address() common.Address { return testOwner }

func (c *okChain) BalanceOf(context.Context, common.Address, common.Address) (*big.Int, error) {
	return new(big.Int).Lsh(big.NewInt(1), 128), nil
}

func (c *okChain) Allowance(context.Context, common.Address, common.Address, common.Address) (*big.Int, error) {
	return new(big.Int).Lsh(big.NewInt(1), 128), nil
}

func (c *okChain) Approve(context.Context, common.Address, common.Address, *big.Int) (common.Hash, error) {
	return common.Hash{}, errors.New("unexpected approve")
}

func (c *okChain) EstimateGas(context.Context, eth.TxRequest) (uint64, error) { return 100_000, nil }

func (c *okChain) Send(context.Context, eth.TxRequest) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends++
	return common.HexToHash("0xdd"), nil
}

func (c *okChain) WaitMined(_ context.Context, h common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: h, BlockNumber: big.NewInt(1)}, nil
}

func TestHandler_PrepareErrors(t *testing.T) {
	t.Parallel()

	body := `{"asset":"USDC","amount":"1","expectedSats":"1","btcPayoutAddress":"x"}`
	cases := []struct {
		err  error
		code int
		want string
	}{
		{deposit.ErrInvalidParams, http.StatusBadRequest, "invalid_params"},
		{&eth.Error{Kind: eth.KindTimeout, Op: "tip proof", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout, "tip_proof_timeout"},
		{&eth.Error{Kind: eth.KindTransport, Op: "tip proof", Err: errors.New("502")}, http.StatusBadGateway, "tip_proof_unavailable"},
	}
	for _, tc := range cases {
		h := newTestHandler(t, &fakeOrchestrator{prepareErr: tc.err}, nil)
		rr := do(t, h, http.MethodPost, "/v1/deposit", body, nil)
		if rr.Code != tc.code || errorCode(t, rr) != tc.want {
			t.Fatalf("%v: got %d %s", tc.err, rr.Code, rr.Body.String())
		}
	}
}

func TestHandler_SwapDeposit(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{}
	h := newTestHandler(t, orch, nil)

	body := `{"asset":"cbBTC","amount":"0.01","expectedSats":"1000000","btcPayoutAddress":"x",` +
		`"sellToken":"0x00000000000000000000000000000000000000c2","sellAmount":"25000000",` +
		`"swapRouter":"0x00000000000000000000000000000000000000f1","swapCalldata":"0xdeadbeef"}`
	rr := do(t, h, http.MethodPost, "/v1/swap-deposit", body, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status: %d body=%s", rr.Code, rr.Body.String())
	}
	if len(orch.swaps) != 1 {
		t.Fatalf("swaps: %d", len(orch.swaps))
	}
	s := orch.swaps[0]
	if s.Bundler != common.HexToAddress("0x00000000000000000000000000000000000000b1") {
		t.Fatalf("bundler: %s", s.Bundler)
	}
	if s.SellAmount.Cmp(big.NewInt(25_000_000)) != 0 || !bytes.Equal(s.SwapCalldata, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Fatalf("swap: %+v", s)
	}
	if !s.Deadline.Equal(testNow.Add(30 * time.Minute)) {
		t.Fatalf("deadline: %s", s.Deadline)
	}

	// USDC has no bundler configured.
	noBundler := strings.Replace(body, `"cbBTC"`, `"USDC"`, 1)
	if rr := do(t, h, http.MethodPost, "/v1/swap-deposit", noBundler, nil); rr.Code != http.StatusBadRequest || errorCode(t, rr) != "swap_unavailable" {
		t.Fatalf("no bundler: %d %s", rr.Code, rr.Body.String())
	}

	badCalldata := strings.Replace(body, "0xdeadbeef", "0xzz", 1)
	if rr := do(t, h, http.MethodPost, "/v1/swap-deposit", badCalldata, nil); rr.Code != http.StatusBadRequest || errorCode(t, rr) != "invalid_swap_calldata" {
		t.Fatalf("bad calldata: %d %s", rr.Code, rr.Body.String())
	}
}

func TestHandler_StateAndReset(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{state: deposit.State{
		AttemptID: common.HexToHash("0x01"),
		Kind:      deposit.KindDeposit,
		Status:    deposit.StatusError,
		TxHash:    common.HexToHash("0xdd"),
		Failure:   &deposit.Failure{Kind: eth.KindUserRejected, Message: "eth: send tx: rejected", Reason: "user rejected transaction"},
	}}
	h := newTestHandler(t, orch, nil)

	rr := do(t, h, http.MethodGet, "/v1/deposit", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: %d", rr.Code)
	}
	var st stateResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Status != "Error" || st.TxHash != common.HexToHash("0xdd").Hex() || st.Failure == nil {
		t.Fatalf("state: %+v", st)
	}
	if st.Failure.Kind != "user_rejected" || !st.Failure.Retryable {
		t.Fatalf("failure: %+v", st.Failure)
	}

	rr = do(t, h, http.MethodPost, "/v1/deposit/reset", "", nil)
	if rr.Code != http.StatusOK || orch.resets != 1 {
		t.Fatalf("reset: %d resets=%d", rr.Code, orch.resets)
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Status != "Idle" || st.Failure != nil || st.TxHash != "" || st.AttemptID != "" {
		t.Fatalf("after reset: %+v", st)
	}
}

func TestHandler_Attempts(t *testing.T) {
	t.Parallel()

	store := deposit.NewMemoryStore()
	ctx := context.Background()
	for i := byte(1); i <= 3; i++ {
		if _, _, err := store.Create(ctx, deposit.Attempt{
			ID:     common.BytesToHash([]byte{i}),
			Kind:   deposit.KindDeposit,
			Owner:  testOwner,
			Amount: big.NewInt(int64(i)),
		}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	h := newTestHandler(t, &fakeOrchestrator{}, func(_ *Config, d *Deps) { d.Attempts = store })

	rr := do(t, h, http.MethodGet, "/v1/attempts?limit=2", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: %d", rr.Code)
	}
	var out struct {
		Attempts []attemptResponse `json:"attempts"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Attempts) != 2 || out.Attempts[0].Amount != "3" || out.Attempts[0].Status != "Idle" {
		t.Fatalf("attempts: %+v", out.Attempts)
	}

	if rr := do(t, h, http.MethodGet, "/v1/attempts?limit=0", "", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("limit 0: %d", rr.Code)
	}
	if rr := do(t, newTestHandler(t, &fakeOrchestrator{}, nil), http.MethodGet, "/v1/attempts", "", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("no store: %d", rr.Code)
	}
}

func TestHandler_Account(t *testing.T) {
	t.Parallel()

	acct := &fakeAccounts{}
	h := newTestHandler(t, &fakeOrchestrator{}, func(_ *Config, d *Deps) { d.Accounts = acct })

	if rr := do(t, h, http.MethodGet, "/v1/account", "", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("before refresh: %d", rr.Code)
	}

	acct.snap = &portfolio.Snapshot{
		Owner:       testOwner,
		Token:       common.HexToAddress("0xc1"),
		Balance:     big.NewInt(1234),
		Swaps:       []chainproof.Swap{{}},
		RefreshedAt: testNow,
	}
	rr := do(t, h, http.MethodGet, "/v1/account?refresh=1", "", nil)
	if rr.Code != http.StatusOK || acct.refreshed != 1 {
		t.Fatalf("status: %d refreshed=%d", rr.Code, acct.refreshed)
	}
	var out accountResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Balance != "1234" || out.Swaps != 1 || out.PendingSwaps != 1 {
		t.Fatalf("account: %+v", out)
	}
}

func TestHandler_Assets(t *testing.T) {
	t.Parallel()

	rr := do(t, newTestHandler(t, &fakeOrchestrator{}, nil), http.MethodGet, "/v1/assets", "", nil)
	var out struct {
		Assets []assetResponse `json:"assets"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Assets) != 2 || out.Assets[1].Symbol != "cbBTC" || out.Assets[1].MinDeposit != "0.0001" || out.Assets[0].Bundler != "" {
		t.Fatalf("assets: %+v", out.Assets)
	}
}

func TestHandler_RateLimit(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, &fakeOrchestrator{}, func(c *Config, _ *Deps) {
		c.RateLimitBurst = 1
		c.RateLimitPerIPPerSecond = 0.001
	})
	if rr := do(t, h, http.MethodGet, "/v1/deposit", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("first: %d", rr.Code)
	}
	rr := do(t, h, http.MethodGet, "/v1/deposit", "", nil)
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") != "1" {
		t.Fatalf("second: %d", rr.Code)
	}
	// Health checks are never limited.
	if rr := do(t, h, http.MethodGet, "/healthz", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rr.Code)
	}
}

func TestClientKey(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "[::ffff:10.0.0.1]:4000"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientKey(r, false); got != "10.0.0.1" {
		t.Fatalf("direct: %s", got)
	}
	if got := clientKey(r, true); got != "203.0.113.9" {
		t.Fatalf("proxied: %s", got)
	}
}
