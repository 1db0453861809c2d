// Package depositevent builds the JSON status events published for deposit attempts.
package depositevent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

const (
	Version = "deposits.status.v1"
	// Topic is the default queue topic for status events.
	Topic = "deposits.status.v1"
)

var ErrInvalidTransition = errors.New("depositevent: invalid transition")

// eventNamespace scopes deterministic event ids so a replayed transition keeps its id.
var eventNamespace = uuid.MustParse("5d1f3c8e-6a0b-4f43-9b8e-2c4a7e1d9f60")

// Transition is one status change of an attempt as seen by the orchestrator.
type Transition struct {
	AttemptID common.Hash
	Kind      string // "deposit" or "swap"
	Seq       uint64
	Status    string
	Owner     common.Address
	TxHash    common.Hash

	ErrorKind string
	Error     string
	Reason    string

	At time.Time
}

type Payload struct {
	Version   string    `json:"version"`
	EventID   string    `json:"eventId"`
	AttemptID string    `json:"attemptId"`
	Kind      string    `json:"kind"`
	Seq       uint64    `json:"seq"`
	Status    string    `json:"status"`
	Owner     string    `json:"owner"`
	TxHash    string    `json:"txHash,omitempty"`
	ErrorKind string    `json:"errorKind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

func BuildPayload(t Transition) (Payload, error) {
	if (t.AttemptID == common.Hash{}) {
		return Payload{}, fmt.Errorf("%w: attempt id must be non-zero", ErrInvalidTransition)
	}
	if strings.TrimSpace(t.Status) == "" {
		return Payload{}, fmt.Errorf("%w: status is required", ErrInvalidTransition)
	}
	switch t.Kind {
	case "deposit", "swap":
	default:
		return Payload{}, fmt.Errorf("%w: unknown attempt kind %q", ErrInvalidTransition, t.Kind)
	}

	p := Payload{
		Version:   Version,
		EventID:   EventID(t.AttemptID, t.Seq).String(),
		AttemptID: t.AttemptID.Hex(),
		Kind:      t.Kind,
		Seq:       t.Seq,
		Status:    t.Status,
		Owner:     t.Owner.Hex(),
		ErrorKind: t.ErrorKind,
		Error:     t.Error,
		Reason:    t.Reason,
		At:        t.At.UTC(),
	}
	if (t.TxHash != common.Hash{}) {
		p.TxHash = t.TxHash.Hex()
	}
	return p, nil
}

// EventID derives a stable id for the seq-th transition of an attempt.
func EventID(attemptID common.Hash, seq uint64) uuid.UUID {
	return uuid.NewSHA1(eventNamespace, []byte(fmt.Sprintf("%s/%d", attemptID.Hex(), seq)))
}

func (p Payload) Encode() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("depositevent: encode: %w", err)
	}
	return b, nil
}
