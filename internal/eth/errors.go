package eth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// codeUserRejected is the EIP-1193 provider error code for a request the user declined.
const codeUserRejected = 4001

var (
	ErrUserRejected = errors.New("eth: user rejected request")
	ErrReverted     = errors.New("eth: transaction reverted")
)

// ErrorKind is the failure category of a chain or wallet interaction.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	KindTransport
	KindUserRejected
	KindSimulationReverted
	KindExecutionReverted
	KindTimeout
	KindNonceExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindUserRejected:
		return "user_rejected"
	case KindSimulationReverted:
		return "simulation_reverted"
	case KindExecutionReverted:
		return "execution_reverted"
	case KindTimeout:
		return "timeout"
	case KindNonceExhausted:
		return "nonce_exhausted"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Retryable reports whether resubmitting the same attempt can succeed without changing its inputs.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransport, KindTimeout, KindUserRejected:
		return true
	default:
		return false
	}
}

// Error is the tagged error returned by every Gateway operation.
type Error struct {
	Kind ErrorKind
	Op   string

	// TxHash is set once a transaction has been broadcast.
	TxHash common.Hash
	// RevertData is the raw revert payload when the node returned one.
	RevertData []byte

	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := "eth: " + e.Op
	if e.TxHash != (common.Hash{}) {
		msg += " " + e.TxHash.Hex()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf returns the failure category of err. Errors that did not come from the Gateway are classified
// by their structure: JSON-RPC codes, revert payloads, and context expiry.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != KindUnknown {
		return e.Kind
	}
	return classify(err)
}

// RevertData extracts the raw revert payload carried by err, if any.
func RevertData(err error) ([]byte, bool) {
	if err == nil {
		return nil, false
	}
	var e *Error
	if errors.As(err, &e) && len(e.RevertData) > 0 {
		return append([]byte(nil), e.RevertData...), true
	}
	var de rpc.DataError
	if errors.As(err, &de) {
		s, ok := de.ErrorData().(string)
		if !ok {
			return nil, false
		}
		b, err := hexutil.Decode(strings.TrimSpace(s))
		if err != nil || len(b) == 0 {
			return nil, false
		}
		return b, true
	}
	return nil, false
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrUserRejected):
		return KindUserRejected
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTimeout
	case errors.Is(err, ErrReverted):
		return KindExecutionReverted
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == codeUserRejected {
		return KindUserRejected
	}
	if _, ok := RevertData(err); ok {
		return KindSimulationReverted
	}
	if strings.Contains(strings.ToLower(err.Error()), "execution reverted") {
		return KindSimulationReverted
	}
	return KindTransport
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	data, _ := RevertData(err)
	return &Error{
		Kind:       classify(err),
		Op:         op,
		RevertData: data,
		Err:        err,
	}
}
