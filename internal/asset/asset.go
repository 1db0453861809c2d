// Package asset is the registry of depositable tokens and their contract addresses.
package asset

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/riftexchange/rift-client/internal/permit"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidRegistry = errors.New("asset: invalid registry")
	ErrUnknownAsset    = errors.New("asset: unknown asset")
	ErrInvalidAmount   = errors.New("asset: invalid amount")
)

const maxDecimals = 36

type Display struct {
	Color       string `yaml:"color" json:"color"`
	BorderColor string `yaml:"borderColor" json:"borderColor"`
}

type Asset struct {
	Name     string
	Symbol   string
	Decimals uint8
	ChainID  *big.Int

	TokenAddress    common.Address
	ExchangeAddress common.Address
	BundlerAddress  common.Address // zero when swap-and-deposit is not offered
	Permit2Address  common.Address

	DataEngineURL string
	// MinDeposit is in smallest units. Nil means no client-side minimum.
	MinDeposit *big.Int

	Display Display
}

type fileAsset struct {
	Name          string  `yaml:"name"`
	Symbol        string  `yaml:"symbol"`
	Decimals      *uint8  `yaml:"decimals"`
	ChainID       uint64  `yaml:"chainId"`
	Token         string  `yaml:"token"`
	Exchange      string  `yaml:"exchange"`
	Bundler       string  `yaml:"bundler"`
	Permit2       string  `yaml:"permit2"`
	DataEngineURL string  `yaml:"dataEngineUrl"`
	MinDeposit    string  `yaml:"minDeposit"`
	Display       Display `yaml:"display"`
}

type file struct {
	Assets []fileAsset `yaml:"assets"`
}

// Registry is immutable after Load.
type Registry struct {
	bySymbol map[string]Asset
}

func Load(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("asset: read registry: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Registry, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var f file
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegistry, err)
	}
	if len(f.Assets) == 0 {
		return nil, fmt.Errorf("%w: no assets", ErrInvalidRegistry)
	}

	r := &Registry{bySymbol: make(map[string]Asset, len(f.Assets))}
	for i, fa := range f.Assets {
		a, err := fa.asset()
		if err != nil {
			return nil, fmt.Errorf("%w: assets[%d]: %v", ErrInvalidRegistry, i, err)
		}
		key := strings.ToUpper(a.Symbol)
		if _, dup := r.bySymbol[key]; dup {
			return nil, fmt.Errorf("%w: duplicate symbol %s", ErrInvalidRegistry, a.Symbol)
		}
		r.bySymbol[key] = a
	}
	return r, nil
}

func (fa fileAsset) asset() (Asset, error) {
	a := Asset{
		Name:          strings.TrimSpace(fa.Name),
		Symbol:        strings.TrimSpace(fa.Symbol),
		DataEngineURL: strings.TrimSpace(fa.DataEngineURL),
		Display:       fa.Display,
	}
	if a.Symbol == "" {
		return Asset{}, errors.New("symbol is required")
	}
	if fa.Decimals == nil || *fa.Decimals > maxDecimals {
		return Asset{}, fmt.Errorf("%s: decimals must be set and <= %d", a.Symbol, maxDecimals)
	}
	a.Decimals = *fa.Decimals
	if fa.ChainID == 0 {
		return Asset{}, fmt.Errorf("%s: chainId is required", a.Symbol)
	}
	a.ChainID = new(big.Int).SetUint64(fa.ChainID)

	var err error
	if a.TokenAddress, err = address(fa.Token, true); err != nil {
		return Asset{}, fmt.Errorf("%s: token: %v", a.Symbol, err)
	}
	if a.ExchangeAddress, err = address(fa.Exchange, true); err != nil {
		return Asset{}, fmt.Errorf("%s: exchange: %v", a.Symbol, err)
	}
	if a.BundlerAddress, err = address(fa.Bundler, false); err != nil {
		return Asset{}, fmt.Errorf("%s: bundler: %v", a.Symbol, err)
	}
	if a.Permit2Address, err = address(fa.Permit2, false); err != nil {
		return Asset{}, fmt.Errorf("%s: permit2: %v", a.Symbol, err)
	}
	if (a.Permit2Address == common.Address{}) {
		a.Permit2Address = permit.CanonicalPermit2
	}

	u, err := url.Parse(a.DataEngineURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Asset{}, fmt.Errorf("%s: dataEngineUrl must be an http(s) URL", a.Symbol)
	}
	if strings.TrimSpace(fa.MinDeposit) != "" {
		if a.MinDeposit, err = ParseAmount(fa.MinDeposit, a.Decimals); err != nil {
			return Asset{}, fmt.Errorf("%s: minDeposit: %v", a.Symbol, err)
		}
	}
	return a, nil
}

func address(s string, required bool) (common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		if required {
			return common.Address{}, errors.New("address is required")
		}
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%q is not a hex address", s)
	}
	a := common.HexToAddress(s)
	if (a == common.Address{}) {
		return common.Address{}, errors.New("address must be non-zero")
	}
	return a, nil
}

// Get looks an asset up by symbol, case-insensitively.
func (r *Registry) Get(symbol string) (Asset, error) {
	a, ok := r.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
	}
	a.ChainID = new(big.Int).Set(a.ChainID)
	if a.MinDeposit != nil {
		a.MinDeposit = new(big.Int).Set(a.MinDeposit)
	}
	return a, nil
}

func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.bySymbol))
	for _, a := range r.bySymbol {
		out = append(out, a.Symbol)
	}
	sort.Strings(out)
	return out
}

// ParseAmount converts a decimal string such as "1.5" into smallest units. Negative values and
// values with more than decimals fractional digits are rejected.
func ParseAmount(s string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, s)
	}
	units := d.Shift(int32(decimals))
	if !units.Equal(units.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidAmount, s, decimals)
	}
	return units.BigInt(), nil
}

// FormatAmount renders smallest units as a decimal string without trailing zeros.
func FormatAmount(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}

// CheckDeposit validates an amount against the asset's client-side minimum.
func (a Asset) CheckDeposit(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: deposit amount must be > 0", ErrInvalidAmount)
	}
	if a.MinDeposit != nil && amount.Cmp(a.MinDeposit) < 0 {
		return fmt.Errorf("%w: minimum deposit is %s %s", ErrInvalidAmount, FormatAmount(a.MinDeposit, a.Decimals), a.Symbol)
	}
	return nil
}
