package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/riftexchange/rift-client/internal/asset"
	"github.com/riftexchange/rift-client/internal/btcpayout"
	"github.com/riftexchange/rift-client/internal/dataengine"
	"github.com/riftexchange/rift-client/internal/deposit"
	"github.com/riftexchange/rift-client/internal/eth"
	"github.com/riftexchange/rift-client/internal/permit"
	"github.com/riftexchange/rift-client/internal/riftabi"
	"github.com/riftexchange/rift-client/internal/secrets"
)

const (
	defaultRunTimeout   = 30 * time.Minute
	defaultPermitWindow = 30 * time.Minute
	reportVersion       = "rift-deposit.report.v1"
)

type swapConfig struct {
	SellToken  common.Address
	SellAmount *big.Int
	SwapRouter common.Address
	Calldata   []byte
	Window     time.Duration
}

type config struct {
	RPCURL     string
	Key        secrets.Source
	AssetsPath string
	Asset      string
	// DataEngineURL overrides the asset's dataEngineUrl.
	DataEngineURL string
	BitcoinNet    *chaincfg.Params

	Amount             string
	ExpectedSats       uint64
	BTCPayoutAddress   string
	PayoutAddress      common.Address // zero => wallet address
	ConfirmationBlocks uint8

	Swap *swapConfig

	// AssumeYes signs without the interactive y/N prompt.
	AssumeYes    bool
	MinTipGwei   int64
	GasMult      float64
	PollInterval time.Duration

	RunTimeout time.Duration
	OutputPath string
}

type report struct {
	Version     string   `json:"version"`
	ChainID     string   `json:"chain_id"`
	Owner       string   `json:"owner"`
	Asset       string   `json:"asset"`
	Kind        string   `json:"kind"`
	AttemptID   string   `json:"attempt_id,omitempty"`
	Status      string   `json:"status"`
	Transitions []string `json:"transitions"`
	TxHash      string   `json:"tx_hash,omitempty"`
	BlockNumber string   `json:"block_number,omitempty"`
	GasUsed     uint64   `json:"gas_used,omitempty"`

	Failure *reportFailure `json:"failure,omitempty"`
}

type reportFailure struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

func main() {
	if err := runMain(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg, err := parseArgs(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RunTimeout)
	defer cancel()

	rep, runErr := run(ctx, cfg, stdin, stderr)
	if rep != nil {
		if err := writeReport(rep, cfg.OutputPath, stdout); err != nil {
			return err
		}
	}
	return runErr
}

func parseArgs(args []string) (config, error) {
	var (
		cfg config

		keyEnv        string
		keyAWSSecret  string
		bitcoinNet    string
		payout        string
		expectedSats  string
		confirmations uint

		sellToken    string
		sellAmount   string
		swapRouter   string
		calldataHex  string
		calldataFile string
	)

	fs := flag.NewFlagSet("rift-deposit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.RPCURL, "rpc-url", "", "EVM JSON-RPC URL")
	fs.StringVar(&keyEnv, "wallet-key-env", "RIFT_WALLET_KEY", "env var containing the wallet private key hex")
	fs.StringVar(&keyAWSSecret, "wallet-key-aws-secret", "", "AWS Secrets Manager id holding the wallet key")
	fs.StringVar(&cfg.AssetsPath, "assets", "", "asset registry YAML")
	fs.StringVar(&cfg.Asset, "asset", "", "asset symbol to deposit")
	fs.StringVar(&cfg.DataEngineURL, "data-engine-url", "", "data engine base URL override")
	fs.StringVar(&bitcoinNet, "bitcoin-net", "mainnet", "bitcoin network (mainnet|testnet|signet|regtest)")
	fs.StringVar(&cfg.Amount, "amount", "", "deposit amount in display units, e.g. 0.5")
	fs.StringVar(&expectedSats, "expected-sats", "", "bitcoin amount expected in return, in sats")
	fs.StringVar(&cfg.BTCPayoutAddress, "btc-payout-address", "", "bitcoin address the swap pays out to")
	fs.StringVar(&payout, "payout-address", "", "EVM address recorded as the deposit's payout owner (default: wallet)")
	fs.UintVar(&confirmations, "confirmation-blocks", riftabi.MinConfirmationBlocks, "bitcoin confirmation blocks")

	fs.StringVar(&sellToken, "sell-token", "", "swap-and-deposit: token sold through the router")
	fs.StringVar(&sellAmount, "sell-amount", "", "swap-and-deposit: sell amount in smallest units")
	fs.StringVar(&swapRouter, "swap-router", "", "swap-and-deposit: router address")
	fs.StringVar(&calldataHex, "swap-calldata-hex", "", "swap-and-deposit: router calldata hex")
	fs.StringVar(&calldataFile, "swap-calldata-file", "", "swap-and-deposit: file containing router calldata hex")
	var window time.Duration
	fs.DurationVar(&window, "permit-window", defaultPermitWindow, "swap-and-deposit: Permit2 signature lifetime")

	fs.BoolVar(&cfg.AssumeYes, "yes", false, "sign without interactive confirmation")
	fs.Int64Var(&cfg.MinTipGwei, "min-tip-gwei", 1, "minimum priority fee (gwei)")
	fs.Float64Var(&cfg.GasMult, "gas-mult", 1.2, "gas limit multiplier for approvals")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", 2*time.Second, "receipt poll interval")
	fs.DurationVar(&cfg.RunTimeout, "run-timeout", defaultRunTimeout, "runtime timeout")
	fs.StringVar(&cfg.OutputPath, "output", "-", "report output path ('-' for stdout)")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if strings.TrimSpace(cfg.RPCURL) == "" {
		return cfg, errors.New("--rpc-url is required")
	}
	if strings.TrimSpace(cfg.AssetsPath) == "" || strings.TrimSpace(cfg.Asset) == "" {
		return cfg, errors.New("--assets and --asset are required")
	}
	if strings.TrimSpace(cfg.Amount) == "" {
		return cfg, errors.New("--amount is required")
	}
	if strings.TrimSpace(cfg.BTCPayoutAddress) == "" {
		return cfg, errors.New("--btc-payout-address is required")
	}
	if cfg.RunTimeout <= 0 {
		return cfg, errors.New("--run-timeout must be > 0")
	}
	if cfg.PollInterval <= 0 || cfg.GasMult <= 0 || cfg.MinTipGwei < 0 {
		return cfg, errors.New("--poll-interval and --gas-mult must be > 0, --min-tip-gwei >= 0")
	}

	if strings.TrimSpace(keyAWSSecret) != "" {
		cfg.Key = secrets.Source{AWSSecret: keyAWSSecret}
	} else {
		cfg.Key = secrets.Source{Env: keyEnv}
	}

	var err error
	if cfg.BitcoinNet, err = btcpayout.Network(bitcoinNet); err != nil {
		return cfg, err
	}
	cfg.ExpectedSats, err = strconv.ParseUint(strings.TrimSpace(expectedSats), 10, 64)
	if err != nil || cfg.ExpectedSats == 0 {
		return cfg, errors.New("--expected-sats must be a positive integer")
	}
	if strings.TrimSpace(payout) != "" {
		if !common.IsHexAddress(payout) {
			return cfg, errors.New("--payout-address must be a valid hex address")
		}
		cfg.PayoutAddress = common.HexToAddress(payout)
	}
	if confirmations < riftabi.MinConfirmationBlocks || confirmations > 255 {
		return cfg, fmt.Errorf("--confirmation-blocks must be in [%d, 255]", riftabi.MinConfirmationBlocks)
	}
	cfg.ConfirmationBlocks = uint8(confirmations)

	swapSet := sellToken != "" || sellAmount != "" || swapRouter != "" || calldataHex != "" || calldataFile != ""
	if !swapSet {
		return cfg, nil
	}
	if window <= 0 {
		return cfg, errors.New("--permit-window must be > 0")
	}
	swap := &swapConfig{Window: window}
	if !common.IsHexAddress(sellToken) {
		return cfg, errors.New("--sell-token must be a valid hex address")
	}
	swap.SellToken = common.HexToAddress(sellToken)
	if !common.IsHexAddress(swapRouter) {
		return cfg, errors.New("--swap-router must be a valid hex address")
	}
	swap.SwapRouter = common.HexToAddress(swapRouter)
	if swap.SellAmount, err = parseUintAmount("--sell-amount", sellAmount); err != nil {
		return cfg, err
	}
	if swap.Calldata, err = loadHexInput("swap calldata", calldataFile, calldataHex); err != nil {
		return cfg, err
	}
	cfg.Swap = swap
	return cfg, nil
}

func run(ctx context.Context, cfg config, stdin io.Reader, stderr io.Writer) (*report, error) {
	registry, err := asset.Load(cfg.AssetsPath)
	if err != nil {
		return nil, err
	}
	a, err := registry.Get(cfg.Asset)
	if err != nil {
		return nil, err
	}
	amount, err := asset.ParseAmount(cfg.Amount, a.Decimals)
	if err != nil {
		return nil, err
	}
	if err := a.CheckDeposit(amount); err != nil {
		return nil, err
	}
	if cfg.Swap != nil && (a.BundlerAddress == common.Address{}) {
		return nil, fmt.Errorf("asset %s does not offer swap-and-deposit", a.Symbol)
	}
	engineURL := strings.TrimSpace(cfg.DataEngineURL)
	if engineURL == "" {
		engineURL = a.DataEngineURL
	}
	if engineURL == "" {
		return nil, errors.New("--data-engine-url is required when the asset has no dataEngineUrl")
	}

	key, err := secrets.PrivateKey(ctx, cfg.Key, nil)
	if err != nil {
		return nil, err
	}
	var signer eth.Signer = eth.NewLocalSigner(key)
	if !cfg.AssumeYes {
		if signer, err = eth.NewPromptSigner(signer, stdin, stderr); err != nil {
			return nil, err
		}
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	if a.ChainID.Cmp(chainID) != 0 {
		return nil, fmt.Errorf("asset %s is on chain %s, rpc is on chain %s", a.Symbol, a.ChainID, chainID)
	}

	gateway, err := eth.NewGateway(client, signer, eth.GatewayConfig{
		ChainID:             chainID,
		GasLimitMultiplier:  cfg.GasMult,
		Fees:                eth.FeePolicy{MinTipCap: new(big.Int).Mul(big.NewInt(cfg.MinTipGwei), big.NewInt(1_000_000_000))},
		ReceiptPollInterval: cfg.PollInterval,
	})
	if err != nil {
		return nil, err
	}
	permits, err := permit.NewBuilder(gateway, gateway, permit.Config{ChainID: chainID, Permit2: a.Permit2Address})
	if err != nil {
		return nil, err
	}
	engine, err := dataengine.NewClient(engineURL)
	if err != nil {
		return nil, err
	}

	rep := &report{
		Version:     reportVersion,
		ChainID:     chainID.String(),
		Owner:       gateway.Address().Hex(),
		Asset:       a.Symbol,
		Kind:        string(deposit.KindDeposit),
		Status:      deposit.StatusIdle.String(),
		Transitions: []string{},
	}
	if cfg.Swap != nil {
		rep.Kind = string(deposit.KindSwap)
	}

	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	orch, err := deposit.New(deposit.Config{
		ChainID:    chainID,
		BitcoinNet: cfg.BitcoinNet,
		OnTransition: []func(deposit.State){func(s deposit.State) {
			rep.Transitions = append(rep.Transitions, s.Status.String())
			fmt.Fprintf(stderr, "status: %s\n", s.Status)
		}},
	}, gateway, permits, log)
	if err != nil {
		return nil, err
	}

	payout := cfg.PayoutAddress
	if (payout == common.Address{}) {
		payout = gateway.Address()
	}
	params, err := orch.Prepare(ctx, engine, deposit.Request{
		ExchangeAddress:        a.ExchangeAddress,
		Token:                  a.TokenAddress,
		SpecifiedPayoutAddress: payout,
		DepositAmount:          amount,
		ExpectedSats:           cfg.ExpectedSats,
		BTCPayoutAddress:       cfg.BTCPayoutAddress,
		ConfirmationBlocks:     cfg.ConfirmationBlocks,
	})
	if err != nil {
		return nil, err
	}

	var res deposit.Result
	if cfg.Swap != nil {
		res, err = orch.ExecuteSwap(ctx, params, deposit.SwapParams{
			Bundler:      a.BundlerAddress,
			SellToken:    cfg.Swap.SellToken,
			SellAmount:   cfg.Swap.SellAmount,
			SwapRouter:   cfg.Swap.SwapRouter,
			SwapCalldata: cfg.Swap.Calldata,
			Deadline:     time.Now().Add(cfg.Swap.Window),
		})
	} else {
		res, err = orch.Execute(ctx, params)
	}
	fillReport(rep, orch.Snapshot(), res)
	return rep, err
}

func fillReport(rep *report, st deposit.State, res deposit.Result) {
	rep.Status = st.Status.String()
	if (st.AttemptID != common.Hash{}) {
		rep.AttemptID = st.AttemptID.Hex()
	}
	if (st.TxHash != common.Hash{}) {
		rep.TxHash = st.TxHash.Hex()
	}
	if st.Failure != nil {
		rep.Failure = &reportFailure{
			Kind:      st.Failure.Kind.String(),
			Message:   st.Failure.Message,
			Reason:    st.Failure.Reason,
			Retryable: st.Failure.Retryable(),
		}
	}
	if res.Receipt != nil {
		if res.Receipt.BlockNumber != nil {
			rep.BlockNumber = res.Receipt.BlockNumber.String()
		}
		rep.GasUsed = res.Receipt.GasUsed
	}
}

func writeReport(rep *report, path string, stdout io.Writer) error {
	out, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = fmt.Fprintf(stdout, "%s\n", out)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, append(out, '\n'), 0o644); err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "wrote report: %s\n", path)
	return err
}

func loadHexInput(label, filePath, inline string) ([]byte, error) {
	filePath = strings.TrimSpace(filePath)
	inline = strings.TrimSpace(inline)
	if filePath != "" && inline != "" {
		return nil, fmt.Errorf("use only one %s source", label)
	}
	if filePath != "" {
		b, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("read %s file: %w", label, err)
		}
		inline = strings.TrimSpace(string(b))
	}
	if inline == "" {
		return nil, fmt.Errorf("%s is required", label)
	}
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(inline, "0x"), "0X"))
	if err != nil || len(b) == 0 {
		return nil, fmt.Errorf("%s must be non-empty hex", label)
	}
	return b, nil
}

func parseUintAmount(flagName, raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("%s must be a positive integer", flagName)
	}
	return v, nil
}
