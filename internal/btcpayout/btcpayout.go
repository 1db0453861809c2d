// Package btcpayout builds the Bitcoin locking script a deposit pays out to.
package btcpayout

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/riftexchange/rift-client/internal/riftabi"
)

var (
	ErrInvalidAddress     = errors.New("btcpayout: invalid bitcoin address")
	ErrUnsupportedAddress = errors.New("btcpayout: unsupported address type")
)

// Network maps a network name to its chain parameters.
func Network(name string) (*chaincfg.Params, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mainnet", "main", "bitcoin":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("btcpayout: unknown network %q", name)
	}
}

// ScriptPubKey returns the locking script of addr. Only scripts that fit the exchange's 25-byte field
// are accepted: P2PKH, P2SH and P2WPKH.
func ScriptPubKey(addr string, net *chaincfg.Params) ([]byte, error) {
	if net == nil {
		return nil, fmt.Errorf("%w: nil network", ErrInvalidAddress)
	}
	a, err := btcutil.DecodeAddress(strings.TrimSpace(addr), net)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !a.IsForNet(net) {
		return nil, fmt.Errorf("%w: address is not for %s", ErrInvalidAddress, net.Name)
	}
	switch a.(type) {
	case *btcutil.AddressPubKeyHash, *btcutil.AddressScriptHash, *btcutil.AddressWitnessPubKeyHash:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedAddress, a)
	}
	script, err := txscript.PayToAddrScript(a)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return script, nil
}

// Pad right-pads script with zeros to the exchange's fixed-size field.
func Pad(script []byte) ([riftabi.ScriptPubKeyLen]byte, error) {
	var out [riftabi.ScriptPubKeyLen]byte
	if len(script) == 0 || len(script) > len(out) {
		return out, fmt.Errorf("%w: script length %d", ErrUnsupportedAddress, len(script))
	}
	copy(out[:], script)
	return out, nil
}

// Address renders a (possibly padded) locking script back into an address, for display.
func Address(script []byte, net *chaincfg.Params) (string, error) {
	script = trimPadding(script)
	class, addrs, _, err := txscript.ExtractPkScriptAddrs(script, net)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if class == txscript.NonStandardTy || len(addrs) != 1 {
		return "", fmt.Errorf("%w: %s script", ErrUnsupportedAddress, class)
	}
	return addrs[0].EncodeAddress(), nil
}

// trimPadding cuts a zero-padded script to the length its template implies.
func trimPadding(script []byte) []byte {
	switch {
	case len(script) >= 25 && script[0] == txscript.OP_DUP && script[1] == txscript.OP_HASH160:
		return script[:25]
	case len(script) >= 23 && script[0] == txscript.OP_HASH160 && script[1] == txscript.OP_DATA_20:
		return script[:23]
	case len(script) >= 22 && script[0] == txscript.OP_0 && script[1] == txscript.OP_DATA_20:
		return script[:22]
	}
	return script
}
