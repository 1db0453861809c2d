package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/riftexchange/rift-client/internal/asset"
	"github.com/riftexchange/rift-client/internal/chainproof"
	"github.com/riftexchange/rift-client/internal/dataengine"
)

type config struct {
	DataEngineURL string
	Timeout       time.Duration
}

type report struct {
	Height              uint32        `json:"height"`
	BlockHash           string        `json:"block_hash"`
	CumulativeChainwork string        `json:"cumulative_chainwork"`
	Siblings            []common.Hash `json:"siblings"`
	Peaks               []common.Hash `json:"peaks"`
	FetchedAt           string        `json:"fetched_at"`
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

	p, err := client.TipProof(ctx)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(buildReport(p, time.Now()), "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "%s\n", out)
	return err
}

func parseArgs(args []string) (config, error) {
	var (
		cfg        config
		assetsPath string
		symbol     string
	)
	fs := flag.NewFlagSet("tip-proof", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.DataEngineURL, "data-engine-url", "", "data engine base URL")
	fs.StringVar(&assetsPath, "assets", "", "asset registry YAML; used with --asset instead of --data-engine-url")
	fs.StringVar(&symbol, "asset", "", "asset symbol whose dataEngineUrl is queried")
	fs.DurationVar(&cfg.Timeout, "timeout", 15*time.Second, "request timeout")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.Timeout <= 0 {
		return cfg, errors.New("--timeout must be > 0")
	}
	cfg.DataEngineURL = strings.TrimSpace(cfg.DataEngineURL)
	if cfg.DataEngineURL != "" {
		return cfg, nil
	}
	if strings.TrimSpace(assetsPath) == "" || strings.TrimSpace(symbol) == "" {
		return cfg, errors.New("--data-engine-url or --assets with --asset is required")
	}
	reg, err := asset.Load(assetsPath)
	if err != nil {
		return cfg, err
	}
	a, err := reg.Get(symbol)
	if err != nil {
		return cfg, err
	}
	if a.DataEngineURL == "" {
		return cfg, fmt.Errorf("asset %s has no dataEngineUrl", a.Symbol)
	}
	cfg.DataEngineURL = a.DataEngineURL
	return cfg, nil
}

func buildReport(p chainproof.TipProof, now time.Time) report {
	r := report{
		Height:              p.Leaf.Height,
		BlockHash:           p.Leaf.DisplayHash(),
		CumulativeChainwork: "0",
		Siblings:            p.Siblings,
		Peaks:               p.Peaks,
		FetchedAt:           now.UTC().Format(time.RFC3339),
	}
	if p.Leaf.CumulativeChainwork != nil {
		r.CumulativeChainwork = p.Leaf.CumulativeChainwork.String()
	}
	if r.Siblings == nil {
		r.Siblings = []common.Hash{}
	}
	if r.Peaks == nil {
		r.Peaks = []common.Hash{}
	}
	return r
}
