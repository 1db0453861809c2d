package main

import (
	"bytes"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/riftexchange/rift-client/internal/deposit"
	"github.com/riftexchange/rift-client/internal/eth"
)

func baseArgs() []string {
	return []string{
		"--rpc-url", "http://127.0.0.1:8545",
		"--assets", "assets.yaml",
		"--asset", "cbBTC",
		"--amount", "0.5",
		"--expected-sats", "50000000",
		"--btc-payout-address", "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
	}
}

func TestParseArgs_Deposit(t *testing.T) {
	t.Parallel()

	cfg, err := parseArgs(baseArgs())
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if cfg.ExpectedSats != 50_000_000 {
		t.Fatalf("expected sats: %d", cfg.ExpectedSats)
	}
	if cfg.ConfirmationBlocks != 2 {
		t.Fatalf("confirmation blocks: %d", cfg.ConfirmationBlocks)
	}
	if cfg.Key.Env != "RIFT_WALLET_KEY" || cfg.Key.AWSSecret != "" {
		t.Fatalf("key source: %+v", cfg.Key)
	}
	if cfg.BitcoinNet.Name != "mainnet" {
		t.Fatalf("bitcoin net: %s", cfg.BitcoinNet.Name)
	}
	if cfg.Swap != nil {
		t.Fatalf("unexpected swap config")
	}
	if cfg.PayoutAddress != (common.Address{}) {
		t.Fatalf("payout should default to zero (wallet)")
	}
	if cfg.OutputPath != "-" || cfg.RunTimeout != defaultRunTimeout {
		t.Fatalf("defaults: output=%q timeout=%s", cfg.OutputPath, cfg.RunTimeout)
	}
}

func TestParseArgs_Swap(t *testing.T) {
	t.Parallel()

	args := append(baseArgs(),
		"--sell-token", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		"--sell-amount", "1000000",
		"--swap-router", "0x00000000000000000000000000000000000000aa",
		"--swap-calldata-hex", "0xdeadbeef",
		"--wallet-key-aws-secret", "rift/wallet",
	)
	cfg, err := parseArgs(args)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if cfg.Swap == nil {
		t.Fatalf("missing swap config")
	}
	if cfg.Swap.SellAmount.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("sell amount: %s", cfg.Swap.SellAmount)
	}
	if !bytes.Equal(cfg.Swap.Calldata, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Fatalf("calldata: %x", cfg.Swap.Calldata)
	}
	if cfg.Swap.Window != defaultPermitWindow {
		t.Fatalf("window: %s", cfg.Swap.Window)
	}
	if cfg.Key.AWSSecret != "rift/wallet" || cfg.Key.Env != "" {
		t.Fatalf("key source: %+v", cfg.Key)
	}
}

func TestParseArgs_Rejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		args []string
		want string
	}{
		{name: "no rpc", args: []string{"--assets", "a.yaml", "--asset", "X"}, want: "--rpc-url"},
		{name: "zero sats", args: append(baseArgs(), "--expected-sats", "0"), want: "--expected-sats"},
		{name: "bad payout", args: append(baseArgs(), "--payout-address", "nope"), want: "--payout-address"},
		{name: "one confirmation", args: append(baseArgs(), "--confirmation-blocks", "1"), want: "--confirmation-blocks"},
		{name: "bad net", args: append(baseArgs(), "--bitcoin-net", "litecoin"), want: "unknown network"},
		{name: "partial swap", args: append(baseArgs(), "--sell-token", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"), want: "--swap-router"},
		{
			name: "zero sell amount",
			args: append(baseArgs(),
				"--sell-token", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
				"--swap-router", "0x00000000000000000000000000000000000000aa",
				"--sell-amount", "0",
				"--swap-calldata-hex", "0x01"),
			want: "--sell-amount",
		},
		{
			name: "both calldata sources",
			args: append(baseArgs(),
				"--sell-token", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
				"--swap-router", "0x00000000000000000000000000000000000000aa",
				"--sell-amount", "5",
				"--swap-calldata-hex", "0x01",
				"--swap-calldata-file", "calldata.hex"),
			want: "only one",
		},
		{name: "bad timeout", args: append(baseArgs(), "--run-timeout", "0s"), want: "--run-timeout"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := parseArgs(tc.args)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadHexInput_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "calldata.hex")
	if err := os.WriteFile(path, []byte("0xCAFE\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := loadHexInput("swap calldata", path, "")
	if err != nil {
		t.Fatalf("loadHexInput: %v", err)
	}
	if !bytes.Equal(b, []byte{0xca, 0xfe}) {
		t.Fatalf("bytes: %x", b)
	}
	if _, err := loadHexInput("swap calldata", "", "0xzz"); err == nil {
		t.Fatalf("expected hex error")
	}
	if _, err := loadHexInput("swap calldata", "", ""); err == nil {
		t.Fatalf("expected missing input error")
	}
}

func TestFillReport(t *testing.T) {
	t.Parallel()

	id := common.HexToHash("0x01")
	tx := common.HexToHash("0x02")

	rep := &report{Transitions: []string{}}
	fillReport(rep, deposit.State{
		AttemptID: id,
		Status:    deposit.StatusError,
		TxHash:    tx,
		Failure:   &deposit.Failure{Kind: eth.KindTimeout, Message: "deadline", Reason: "Timed out."},
	}, deposit.Result{})
	if rep.Status != deposit.StatusError.String() || rep.AttemptID != id.Hex() || rep.TxHash != tx.Hex() {
		t.Fatalf("report: %+v", rep)
	}
	if rep.Failure == nil || !rep.Failure.Retryable || rep.Failure.Reason != "Timed out." {
		t.Fatalf("failure: %+v", rep.Failure)
	}

	ok := &report{Transitions: []string{}}
	fillReport(ok, deposit.State{AttemptID: id, Status: deposit.StatusConfirmed, TxHash: tx}, deposit.Result{
		AttemptID: id,
		TxHash:    tx,
		Receipt:   &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(42), GasUsed: 21000},
	})
	if ok.BlockNumber != "42" || ok.GasUsed != 21000 || ok.Failure != nil {
		t.Fatalf("confirmed report: %+v", ok)
	}
}

func TestWriteReport(t *testing.T) {
	t.Parallel()

	rep := &report{Version: reportVersion, Status: "Confirmed", Transitions: []string{"WaitingForWalletConfirmation"}}

	var out bytes.Buffer
	if err := writeReport(rep, "-", &out); err != nil {
		t.Fatalf("writeReport stdout: %v", err)
	}
	var got report
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Version != reportVersion || len(got.Transitions) != 1 {
		t.Fatalf("report: %+v", got)
	}

	path := filepath.Join(t.TempDir(), "out", "report.json")
	out.Reset()
	if err := writeReport(rep, path, &out); err != nil {
		t.Fatalf("writeReport file: %v", err)
	}
	if !strings.Contains(out.String(), "wrote report") {
		t.Fatalf("stdout: %q", out.String())
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat: %v", err)
	}
}
