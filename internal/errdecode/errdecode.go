// Package errdecode turns contract reverts into messages a user can act on.
package errdecode

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/riftexchange/rift-client/internal/eth"
	"github.com/riftexchange/rift-client/internal/riftabi"
)

// messages maps custom error names of the token, Permit2, exchange and bundler contracts.
var messages = map[string]string{
	"ERC20InsufficientBalance":   "Insufficient token balance.",
	"ERC20InsufficientAllowance": "Insufficient token allowance.",

	"InvalidNonce":           "Permit nonce already used. Sign a new permit.",
	"InvalidSigner":          "Permit signature does not match the token owner.",
	"InvalidSignature":       "Permit signature is invalid.",
	"InvalidSignatureLength": "Permit signature has the wrong length.",
	"SignatureExpired":       "Permit signature has expired.",
	"InvalidAmount":          "Requested amount exceeds the permitted amount.",
	"LengthMismatch":         "Permit batch length mismatch.",

	"NotEnoughLiquidity":         "Not enough liquidity available for this swap.",
	"DepositTooLow":              "Deposit amount is below the minimum.",
	"DepositTooHigh":             "Deposit amount is above the maximum.",
	"InvalidExpectedSats":        "Expected BTC output is invalid.",
	"InvalidScriptPubKey":        "Bitcoin payout address type is not supported.",
	"InvalidConfirmationBlocks":  "Confirmation block count is out of range.",
	"InvalidPayoutAddress":       "Payout address is invalid.",
	"InvalidBlockInclusionProof": "Bitcoin tip proof is stale or invalid. Refresh and try again.",
	"InvalidLeavesCommitment":    "Bitcoin tip proof does not match the light client.",
	"ChainworkTooLow":            "Bitcoin tip proof chainwork is below the light client tip.",
	"BlockNotConfirmed":          "Bitcoin block is not confirmed yet.",
	"DepositStillLocked":         "Deposit is still locked.",
	"DepositNotFound":            "Deposit not found.",
	"NotDepositOwner":            "Only the deposit owner can do this.",
	"InvalidVaultHash":           "Deposit vault commitment mismatch.",
	"InvalidSwapTotals":          "Swap totals are invalid.",
	"SwapNotFound":               "Swap not found.",
	"StillInChallengePeriod":     "Swap is still in its challenge period.",
	"TransferFailed":             "Token transfer failed.",
	"SaltAlreadyUsed":            "Deposit salt already used. Start a new deposit.",

	"SwapFailed":               "Token swap failed.",
	"InsufficientOutputAmount": "Swap output is below the required deposit amount.",
	"RouterNotAllowed":         "Swap router is not allowed.",
	"PermitTokenMismatch":      "Permit token does not match the swap input.",
}

// legacySelectors are selectors seen from deployed contracts whose ABI is not bundled.
var legacySelectors = map[string]string{
	"900218ca": "New deposits are currently paused.",
}

var selectorPattern = regexp.MustCompile(`"data"\s*:\s*"0x([0-9a-fA-F]{8})`)

var (
	tableOnce sync.Once
	table     map[string]string
)

// Table returns the static selector table, keyed by 8 lowercase hex digits without 0x.
func Table() map[string]string {
	tableOnce.Do(func() {
		table = make(map[string]string, len(messages)+len(legacySelectors))
		for name, msg := range messages {
			sel, err := riftabi.ErrorSelector(name)
			if err != nil {
				continue
			}
			table[fmt.Sprintf("%x", sel)] = msg
		}
		for sel, msg := range legacySelectors {
			table[sel] = msg
		}
	})
	return table
}

// Lookup returns the message for a selector given as 8 hex digits, with or without 0x.
func Lookup(selector string) (string, bool) {
	s := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(selector, "0x"), "0X"))
	msg, ok := Table()[s]
	return msg, ok
}

// Decode renders err for display. Structured revert data is decoded against the contract ABIs
// first. Failing that, the error text is searched for a "data":"0x<selector>" fragment and the
// selector is looked up in Table. Anything else is returned as the error's own message.
func Decode(err error) string {
	if err == nil {
		return ""
	}
	if data, ok := eth.RevertData(err); ok {
		if msg, ok := decodeRevert(data); ok {
			return msg
		}
	}
	for _, s := range []string{err.Error(), jsonString(err)} {
		if m := selectorPattern.FindStringSubmatch(s); m != nil {
			if msg, ok := Lookup(m[1]); ok {
				return msg
			}
			return "Contract error: 0x" + strings.ToLower(m[1])
		}
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return jsonString(err)
}

func decodeRevert(data []byte) (string, bool) {
	if len(data) < 4 {
		return "", false
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason, true
	}
	if dec, err := riftabi.DecodeError(data); err == nil {
		if msg, ok := messages[dec.Name]; ok {
			return msg, true
		}
		return fmt.Sprintf("%s%v", dec.Name, dec.Args), true
	}
	if msg, ok := Lookup(hexutil.Encode(data[:4])); ok {
		return msg, true
	}
	return "Contract error: " + hexutil.Encode(data[:4]), true
}

func jsonString(err error) string {
	b, jerr := json.Marshal(err)
	if jerr != nil {
		return ""
	}
	return string(b)
}
