package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/riftexchange/rift-client/internal/asset"
	"github.com/riftexchange/rift-client/internal/btcpayout"
	"github.com/riftexchange/rift-client/internal/chainproof"
	"github.com/riftexchange/rift-client/internal/dataengine"
)

const maxPages = 50

type config struct {
	DataEngineURL string
	Owner         common.Address
	Pages         int
	BitcoinNet    *chaincfg.Params
	Timeout       time.Duration

	// Decimals formats deposit amounts when the asset is known; nil prints smallest units.
	Decimals *uint8
	Symbol   string
}

type entry struct {
	VaultIndex       uint64 `json:"vault_index"`
	Status           string `json:"status"`
	Amount           string `json:"amount"`
	Symbol           string `json:"symbol,omitempty"`
	ExpectedSats     uint64 `json:"expected_sats"`
	BTCPayoutAddress string `json:"btc_payout_address"`
	DepositTx        string `json:"deposit_tx"`
	DepositedAt      string `json:"deposited_at"`
	PayoutTx         string `json:"payout_tx,omitempty"`
}

type swapSource interface {
	Swaps(ctx context.Context, owner common.Address, page int) ([]chainproof.Swap, error)
}

func main() {
	if err := runMain(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdout io.Writer) error {
	cfg, err := parseArgs(args)
	if err != nil {
		return err
	}
	client, err := dataengine.NewClient(cfg.DataEngineURL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	entries, err := collect(ctx, client, cfg)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "%s\n", out)
	return err
}

func parseArgs(args []string) (config, error) {
	var (
		cfg        config
		owner      string
		netName    string
		assetsPath string
		symbol     string
	)
	fs := flag.NewFlagSet("swap-history", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.DataEngineURL, "data-engine-url", "", "data engine base URL (default: the asset's dataEngineUrl)")
	fs.StringVar(&assetsPath, "assets", "", "asset registry YAML")
	fs.StringVar(&symbol, "asset", "", "asset symbol used to format amounts")
	fs.StringVar(&owner, "owner", "", "depositor address (required)")
	fs.IntVar(&cfg.Pages, "pages", 1, "history pages to read, newest first")
	fs.StringVar(&netName, "bitcoin-net", "mainnet", "bitcoin network for payout addresses")
	fs.DurationVar(&cfg.Timeout, "timeout", 30*time.Second, "overall timeout")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if !common.IsHexAddress(owner) {
		return cfg, errors.New("--owner must be a valid hex address")
	}
	cfg.Owner = common.HexToAddress(owner)
	if cfg.Pages <= 0 || cfg.Pages > maxPages {
		return cfg, fmt.Errorf("--pages must be in [1, %d]", maxPages)
	}
	if cfg.Timeout <= 0 {
		return cfg, errors.New("--timeout must be > 0")
	}
	var err error
	if cfg.BitcoinNet, err = btcpayout.Network(netName); err != nil {
		return cfg, err
	}

	cfg.DataEngineURL = strings.TrimSpace(cfg.DataEngineURL)
	if strings.TrimSpace(assetsPath) != "" && strings.TrimSpace(symbol) != "" {
		reg, err := asset.Load(assetsPath)
		if err != nil {
			return cfg, err
		}
		a, err := reg.Get(symbol)
		if err != nil {
			return cfg, err
		}
		d := a.Decimals
		cfg.Decimals, cfg.Symbol = &d, a.Symbol
		if cfg.DataEngineURL == "" {
			cfg.DataEngineURL = a.DataEngineURL
		}
	}
	if cfg.DataEngineURL == "" {
		return cfg, errors.New("--data-engine-url or --assets with --asset is required")
	}
	return cfg, nil
}

// collect reads up to cfg.Pages pages, stopping early at the first empty page.
func collect(ctx context.Context, src swapSource, cfg config) ([]entry, error) {
	out := []entry{}
	for page := 0; page < cfg.Pages; page++ {
		swaps, err := src.Swaps(ctx, cfg.Owner, page)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		if len(swaps) == 0 {
			break
		}
		for _, s := range swaps {
			out = append(out, toEntry(s, cfg))
		}
	}
	return out, nil
}

func toEntry(s chainproof.Swap, cfg config) entry {
	d := s.Deposit
	e := entry{
		VaultIndex:   d.VaultIndex,
		Status:       string(s.Status()),
		Amount:       formatAmount(d.DepositAmount, cfg.Decimals),
		Symbol:       cfg.Symbol,
		ExpectedSats: d.ExpectedSats,
		DepositTx:    d.TxHash.Hex(),
		DepositedAt:  time.Unix(int64(d.DepositTimestamp), 0).UTC().Format(time.RFC3339),
	}
	if addr, err := btcpayout.Address(d.BTCPayoutScriptPubKey, cfg.BitcoinNet); err == nil {
		e.BTCPayoutAddress = addr
	} else {
		e.BTCPayoutAddress = "0x" + hex.EncodeToString(d.BTCPayoutScriptPubKey)
	}
	if n := len(s.Proofs); n > 0 {
		e.PayoutTx = s.Proofs[n-1].TxHash.Hex()
	}
	return e
}

func formatAmount(v *big.Int, decimals *uint8) string {
	if v == nil {
		return "0"
	}
	if decimals == nil {
		return v.String()
	}
	return asset.FormatAmount(v, *decimals)
}
