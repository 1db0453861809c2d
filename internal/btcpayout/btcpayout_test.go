package btcpayout

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

func hash20() []byte {
	b := make([]byte, 20)
	for i := range b {
		b[i] = byte(i + 1)
	}
	return b
}

func TestScriptPubKey_Templates(t *testing.T) {
	t.Parallel()

	h := hash20()
	p2pkh, _ := btcutil.NewAddressPubKeyHash(h, &chaincfg.MainNetParams)
	p2sh, _ := btcutil.NewAddressScriptHashFromHash(h, &chaincfg.MainNetParams)
	p2wpkh, _ := btcutil.NewAddressWitnessPubKeyHash(h, &chaincfg.MainNetParams)
	hx := hex.EncodeToString(h)

	cases := []struct {
		name string
		addr string
		want string
	}{
		{"p2pkh", p2pkh.EncodeAddress(), "76a914" + hx + "88ac"},
		{"p2sh", p2sh.EncodeAddress(), "a914" + hx + "87"},
		{"p2wpkh", p2wpkh.EncodeAddress(), "0014" + hx},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ScriptPubKey(tc.addr, &chaincfg.MainNetParams)
			if err != nil {
				t.Fatalf("ScriptPubKey: %v", err)
			}
			if hex.EncodeToString(got) != tc.want {
				t.Fatalf("script: got %x want %s", got, tc.want)
			}

			padded, err := Pad(got)
			if err != nil {
				t.Fatalf("Pad: %v", err)
			}
			if !bytes.Equal(padded[:len(got)], got) || !bytes.Equal(padded[len(got):], make([]byte, 25-len(got))) {
				t.Fatalf("padding: %x", padded)
			}
			back, err := Address(padded[:], &chaincfg.MainNetParams)
			if err != nil {
				t.Fatalf("Address: %v", err)
			}
			if back != tc.addr {
				t.Fatalf("address: got %s want %s", back, tc.addr)
			}
		})
	}
}

func TestScriptPubKey_Rejects(t *testing.T) {
	t.Parallel()

	key := make([]byte, 32)
	key[0] = 1
	taproot, _ := btcutil.NewAddressTaproot(key, &chaincfg.MainNetParams)
	p2wsh, _ := btcutil.NewAddressWitnessScriptHash(key, &chaincfg.MainNetParams)
	testnet, _ := btcutil.NewAddressWitnessPubKeyHash(hash20(), &chaincfg.TestNet3Params)

	if _, err := ScriptPubKey(taproot.EncodeAddress(), &chaincfg.MainNetParams); !errors.Is(err, ErrUnsupportedAddress) {
		t.Fatalf("taproot: %v", err)
	}
	if _, err := ScriptPubKey(p2wsh.EncodeAddress(), &chaincfg.MainNetParams); !errors.Is(err, ErrUnsupportedAddress) {
		t.Fatalf("p2wsh: %v", err)
	}
	if _, err := ScriptPubKey(testnet.EncodeAddress(), &chaincfg.MainNetParams); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("wrong network: %v", err)
	}
	if _, err := ScriptPubKey("not-an-address", &chaincfg.MainNetParams); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("garbage: %v", err)
	}
	if _, err := Pad(make([]byte, 26)); !errors.Is(err, ErrUnsupportedAddress) {
		t.Fatalf("oversized pad: %v", err)
	}
}

func TestNetwork(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]string{"mainnet": "mainnet", " Regtest ": "regtest", "testnet3": "testnet3", "signet": "signet"} {
		p, err := Network(name)
		if err != nil {
			t.Fatalf("Network(%q): %v", name, err)
		}
		if p.Name != want {
			t.Fatalf("Network(%q): got %s", name, p.Name)
		}
	}
	if _, err := Network("litecoin"); err == nil {
		t.Fatalf("expected error for unknown network")
	}
}
