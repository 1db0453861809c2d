// Package depositapi exposes the deposit orchestrator to a local UI over HTTP.
package depositapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/riftexchange/rift-client/internal/asset"
	"github.com/riftexchange/rift-client/internal/deposit"
	"github.com/riftexchange/rift-client/internal/eth"
	"github.com/riftexchange/rift-client/internal/portfolio"
	"github.com/riftexchange/rift-client/internal/riftabi"
)

var ErrInvalidConfig = errors.New("depositapi: invalid config")

const (
	apiVersion          = "v1"
	defaultPermitWindow = 30 * time.Minute
	maxAttemptsListed   = 100
)

// Orchestrator is the subset of *deposit.Orchestrator the API drives.
type Orchestrator interface {
	Snapshot() deposit.State
	Busy() bool
	Reset()
	Prepare(ctx context.Context, tips deposit.TipSource, req deposit.Request) (deposit.DepositLiquidityParams, error)
	Begin(ctx context.Context, params deposit.DepositLiquidityParams) (deposit.Pending, error)
	BeginSwap(ctx context.Context, params deposit.DepositLiquidityParams, swap deposit.SwapParams) (deposit.Pending, error)
}

type Assets interface {
	Get(symbol string) (asset.Asset, error)
	Symbols() []string
}

type Accounts interface {
	Refresh(ctx context.Context, owner common.Address) error
	Snapshot(owner common.Address) (portfolio.Snapshot, bool)
}

type AttemptLister interface {
	ListByOwner(ctx context.Context, owner common.Address, limit int) ([]deposit.Attempt, error)
}

type Deps struct {
	Orchestrator Orchestrator
	Assets       Assets
	Tips         deposit.TipSource
	// Accounts and Attempts are optional; their routes answer 404 when unset.
	Accounts Accounts
	Attempts AttemptLister
}

type Config struct {
	// Owner is the wallet address attempts are signed with.
	Owner common.Address

	// AuthToken enables bearer-token auth on every /v1 request when set.
	AuthToken string

	// MaxBodyBytes limits request sizes. Defaults to 1 MiB.
	MaxBodyBytes int64

	// AttemptTimeout bounds one background attempt, wallet prompts included. Defaults to 30m.
	AttemptTimeout time.Duration

	// ConfirmationBlocks is used when a request leaves it unset.
	ConfirmationBlocks uint8

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int
	// TrustProxy keys the rate limiter on X-Forwarded-For.
	TrustProxy bool

	Now func() time.Time
	// Go runs a started attempt. Defaults to a new goroutine.
	Go func(func())
}

type handler struct {
	cfg     Config
	deps    Deps
	log     *slog.Logger
	limiter *ipRateLimiter
}

func NewHandler(cfg Config, deps Deps, log *slog.Logger) (http.Handler, error) {
	if (cfg.Owner == common.Address{}) {
		return nil, fmt.Errorf("%w: missing owner", ErrInvalidConfig)
	}
	if deps.Orchestrator == nil || deps.Assets == nil || deps.Tips == nil {
		return nil, fmt.Errorf("%w: orchestrator, assets and tip source are required", ErrInvalidConfig)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Minute
	}
	if cfg.ConfirmationBlocks == 0 {
		cfg.ConfirmationBlocks = riftabi.MinConfirmationBlocks
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Go == nil {
		cfg.Go = func(fn func()) { go fn() }
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	h := &handler{
		cfg:  cfg,
		deps: deps,
		log:  log,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/assets", h.handleAssets)
	mux.HandleFunc("GET /v1/deposit", h.handleState)
	mux.HandleFunc("POST /v1/deposit", h.handleDeposit)
	mux.HandleFunc("POST /v1/swap-deposit", h.handleSwapDeposit)
	mux.HandleFunc("POST /v1/deposit/reset", h.handleReset)
	mux.HandleFunc("GET /v1/account", h.handleAccount)
	mux.HandleFunc("GET /v1/attempts", h.handleAttempts)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}
		if cfg.AuthToken != "" && !checkBearer(r.Header.Get("Authorization"), cfg.AuthToken) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		now := h.cfg.Now().UTC()
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !h.limiter.Allow(clientKey(r, cfg.TrustProxy), now) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxBodyBytes)
		mux.ServeHTTP(w, r)
	}), nil
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleAssets(w http.ResponseWriter, _ *http.Request) {
	out := make([]assetResponse, 0)
	for _, sym := range h.deps.Assets.Symbols() {
		a, err := h.deps.Assets.Get(sym)
		if err != nil {
			continue
		}
		ar := assetResponse{
			Symbol:   a.Symbol,
			Name:     a.Name,
			Decimals: a.Decimals,
			ChainID:  a.ChainID.String(),
			Token:    a.TokenAddress.Hex(),
			Exchange: a.ExchangeAddress.Hex(),
			Display:  a.Display,
		}
		if (a.BundlerAddress != common.Address{}) {
			ar.Bundler = a.BundlerAddress.Hex()
		}
		if a.MinDeposit != nil {
			ar.MinDeposit = asset.FormatAmount(a.MinDeposit, a.Decimals)
		}
		out = append(out, ar)
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": apiVersion, "assets": out})
}

func (h *handler) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.state())
}

func (h *handler) state() stateResponse {
	s := h.deps.Orchestrator.Snapshot()
	out := stateResponse{
		Version: apiVersion,
		Kind:    string(s.Kind),
		Status:  s.Status.String(),
		Busy:    h.deps.Orchestrator.Busy(),
		Failure: toFailure(s.Failure),
	}
	if (s.AttemptID != common.Hash{}) {
		out.AttemptID = s.AttemptID.Hex()
	}
	if (s.TxHash != common.Hash{}) {
		out.TxHash = s.TxHash.Hex()
	}
	return out
}

func (h *handler) handleReset(w http.ResponseWriter, _ *http.Request) {
	h.deps.Orchestrator.Reset()
	h.log.Info("deposit reset")
	writeJSON(w, http.StatusOK, h.state())
}

func (h *handler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSONBody[depositRequest](w, r)
	if !ok {
		return
	}
	_, params, ok := h.prepare(w, r, req)
	if !ok {
		return
	}
	pending, err := h.deps.Orchestrator.Begin(r.Context(), params)
	if !h.begun(w, err) {
		return
	}
	h.start(pending, deposit.KindDeposit)
	writeJSON(w, http.StatusAccepted, startedResponse{Version: apiVersion, AttemptID: pending.AttemptID().Hex(), Kind: string(deposit.KindDeposit), Status: "started"})
}

func (h *handler) handleSwapDeposit(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSONBody[swapDepositRequest](w, r)
	if !ok {
		return
	}
	swap, err := h.parseSwap(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, params, ok := h.prepare(w, r, req.depositRequest)
	if !ok {
		return
	}
	if (a.BundlerAddress == common.Address{}) {
		writeError(w, http.StatusBadRequest, "swap_unavailable")
		return
	}
	swap.Bundler = a.BundlerAddress

	pending, err := h.deps.Orchestrator.BeginSwap(r.Context(), params, swap)
	if !h.begun(w, err) {
		return
	}
	h.start(pending, deposit.KindSwap)
	writeJSON(w, http.StatusAccepted, startedResponse{Version: apiVersion, AttemptID: pending.AttemptID().Hex(), Kind: string(deposit.KindSwap), Status: "started"})
}

// begun maps a Begin failure to a response. Another request can take the slot while this one is
// fetching its tip proof, so the early Busy check in prepare is not enough on its own.
func (h *handler) begun(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, deposit.ErrAttemptInFlight):
		writeError(w, http.StatusConflict, "attempt_in_flight")
	case errors.Is(err, deposit.ErrResetRequired):
		writeError(w, http.StatusConflict, "reset_required")
	case errors.Is(err, deposit.ErrInvalidParams):
		writeError(w, http.StatusBadRequest, "invalid_params")
	default:
		h.log.Error("begin attempt", "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
	}
	return false
}

// prepare validates a deposit request against the asset registry and fetches a fresh tip proof.
// It writes the error response itself and reports false on failure.
func (h *handler) prepare(w http.ResponseWriter, r *http.Request, req depositRequest) (asset.Asset, deposit.DepositLiquidityParams, bool) {
	if h.deps.Orchestrator.Busy() {
		writeError(w, http.StatusConflict, "attempt_in_flight")
		return asset.Asset{}, deposit.DepositLiquidityParams{}, false
	}
	if h.deps.Orchestrator.Snapshot().Status.Terminal() {
		writeError(w, http.StatusConflict, "reset_required")
		return asset.Asset{}, deposit.DepositLiquidityParams{}, false
	}

	a, err := h.deps.Assets.Get(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown_asset")
		return asset.Asset{}, deposit.DepositLiquidityParams{}, false
	}
	amount, err := asset.ParseAmount(req.Amount, a.Decimals)
	if err == nil {
		err = a.CheckDeposit(amount)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount")
		return asset.Asset{}, deposit.DepositLiquidityParams{}, false
	}
	sats, err := strconv.ParseUint(strings.TrimSpace(req.ExpectedSats), 10, 64)
	if err != nil || sats == 0 {
		writeError(w, http.StatusBadRequest, "invalid_expected_sats")
		return asset.Asset{}, deposit.DepositLiquidityParams{}, false
	}
	payout := h.cfg.Owner
	if strings.TrimSpace(req.PayoutAddress) != "" {
		if !common.IsHexAddress(req.PayoutAddress) {
			writeError(w, http.StatusBadRequest, "invalid_payout_address")
			return asset.Asset{}, deposit.DepositLiquidityParams{}, false
		}
		payout = common.HexToAddress(req.PayoutAddress)
	}
	confirmations := req.ConfirmationBlocks
	if confirmations == 0 {
		confirmations = h.cfg.ConfirmationBlocks
	}

	params, err := h.deps.Orchestrator.Prepare(r.Context(), h.deps.Tips, deposit.Request{
		ExchangeAddress:        a.ExchangeAddress,
		Token:                  a.TokenAddress,
		SpecifiedPayoutAddress: payout,
		DepositAmount:          amount,
		ExpectedSats:           sats,
		BTCPayoutAddress:       req.BTCPayoutAddress,
		ConfirmationBlocks:     confirmations,
	})
	if err != nil {
		switch {
		case errors.Is(err, deposit.ErrInvalidParams):
			writeError(w, http.StatusBadRequest, "invalid_params")
		case eth.KindOf(err) == eth.KindTimeout:
			writeError(w, http.StatusGatewayTimeout, "tip_proof_timeout")
		default:
			h.log.Error("prepare deposit", "asset", a.Symbol, "err", err)
			writeError(w, http.StatusBadGateway, "tip_proof_unavailable")
		}
		return asset.Asset{}, deposit.DepositLiquidityParams{}, false
	}
	return a, params, true
}

func (h *handler) parseSwap(req swapDepositRequest) (deposit.SwapParams, error) {
	if !common.IsHexAddress(req.SellToken) {
		return deposit.SwapParams{}, errors.New("invalid_sell_token")
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.SellAmount), 10)
	if !ok || amount.Sign() <= 0 {
		return deposit.SwapParams{}, errors.New("invalid_sell_amount")
	}
	if !common.IsHexAddress(req.SwapRouter) {
		return deposit.SwapParams{}, errors.New("invalid_swap_router")
	}
	calldata, err := decodeHexBytes(req.SwapCalldata)
	if err != nil {
		return deposit.SwapParams{}, errors.New("invalid_swap_calldata")
	}
	window := defaultPermitWindow
	if req.DeadlineSeconds < 0 {
		return deposit.SwapParams{}, errors.New("invalid_deadline")
	}
	if req.DeadlineSeconds > 0 {
		window = time.Duration(req.DeadlineSeconds) * time.Second
	}
	return deposit.SwapParams{
		SellToken:    common.HexToAddress(req.SellToken),
		SellAmount:   amount,
		SwapRouter:   common.HexToAddress(req.SwapRouter),
		SwapCalldata: calldata,
		Deadline:     h.cfg.Now().Add(window),
	}, nil
}

// start runs an attempt that already holds the slot in the background. Its outcome is visible
// through GET /v1/deposit.
func (h *handler) start(p deposit.Pending, kind deposit.Kind) {
	id := p.AttemptID()
	h.log.Info("starting attempt", "attemptID", id, "kind", string(kind))
	h.cfg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.AttemptTimeout)
		defer cancel()
		res, err := p.Run(ctx)
		if err != nil {
			h.log.Warn("attempt ended with error", "attemptID", id, "kind", string(kind), "errorKind", eth.KindOf(err).String(), "err", err)
			return
		}
		h.log.Info("attempt confirmed", "attemptID", res.AttemptID, "txHash", res.TxHash)
	})
}

func (h *handler) handleAccount(w http.ResponseWriter, r *http.Request) {
	if h.deps.Accounts == nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if r.URL.Query().Get("refresh") == "1" {
		if err := h.deps.Accounts.Refresh(r.Context(), h.cfg.Owner); err != nil {
			h.log.Warn("refresh account", "owner", h.cfg.Owner, "err", err)
		}
	}
	snap, ok := h.deps.Accounts.Snapshot(h.cfg.Owner)
	if !ok {
		writeError(w, http.StatusNotFound, "not_refreshed")
		return
	}
	out := accountResponse{
		Version:      apiVersion,
		Owner:        snap.Owner.Hex(),
		Token:        snap.Token.Hex(),
		Balance:      "0",
		Swaps:        len(snap.Swaps),
		PendingSwaps: snap.Pending(),
		RefreshedAt:  snap.RefreshedAt.UTC().Format(time.RFC3339),
	}
	if snap.Balance != nil {
		out.Balance = snap.Balance.String()
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) handleAttempts(w http.ResponseWriter, r *http.Request) {
	if h.deps.Attempts == nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxAttemptsListed {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = n
	}
	list, err := h.deps.Attempts.ListByOwner(r.Context(), h.cfg.Owner, limit)
	if err != nil {
		h.log.Error("list attempts", "owner", h.cfg.Owner, "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	out := make([]attemptResponse, 0, len(list))
	for _, a := range list {
		ar := attemptResponse{
			AttemptID: a.ID.Hex(),
			Kind:      string(a.Kind),
			Target:    a.Target.Hex(),
			Token:     a.Token.Hex(),
			Amount:    "0",
			Status:    a.Status.String(),
			Failure:   toFailure(a.Failure),
			CreatedAt: a.Created.UTC().Format(time.RFC3339),
			UpdatedAt: a.Updated.UTC().Format(time.RFC3339),
		}
		if a.Amount != nil {
			ar.Amount = a.Amount.String()
		}
		if (a.TxHash != common.Hash{}) {
			ar.TxHash = a.TxHash.Hex()
		}
		out = append(out, ar)
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": apiVersion, "attempts": out})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"version": apiVersion, "error": msg})
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil || dec.More() {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return out, false
	}
	return out, true
}

func decodeHexBytes(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "0x")
	raw = strings.TrimPrefix(raw, "0X")
	if raw == "" {
		return nil, errors.New("empty hex value")
	}
	return hex.DecodeString(raw)
}

func checkBearer(header string, wantToken string) bool {
	// Exact "Bearer <token>" with a single space.
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return got == wantToken
}
