package deposit

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound          = errors.New("deposit: not found")
	ErrAttemptMismatch   = errors.New("deposit: attempt mismatch")
	ErrInvalidTransition = errors.New("deposit: invalid transition")
)

// Attempt is the persisted record of one deposit attempt.
type Attempt struct {
	ID       common.Hash
	Kind     Kind
	Owner    common.Address
	Target   common.Address // exchange or bundler
	Token    common.Address
	Amount   *big.Int
	Status   Status
	TxHash   common.Hash
	Failure  *Failure
	Created  time.Time
	Updated  time.Time
	Sequence uint64 // number of recorded transitions
}

func (a Attempt) sameIdentity(b Attempt) bool {
	return a.ID == b.ID && a.Kind == b.Kind && a.Owner == b.Owner && a.Target == b.Target &&
		a.Token == b.Token && a.Amount.Cmp(b.Amount) == 0
}

// Store persists attempts. Once an attempt reaches a terminal status it is frozen: repeating the
// same terminal status is a no-op, anything else is ErrInvalidTransition.
type Store interface {
	// Create inserts a; it reports false when an identical attempt already exists.
	Create(ctx context.Context, a Attempt) (Attempt, bool, error)
	Transition(ctx context.Context, id common.Hash, status Status, txHash common.Hash, failure *Failure) error
	Get(ctx context.Context, id common.Hash) (Attempt, error)
	ListByOwner(ctx context.Context, owner common.Address, limit int) ([]Attempt, error)
}

// CheckTransition reports whether an attempt in cur may move to next.
func CheckTransition(cur, next Status) error {
	if !next.Valid() {
		return ErrInvalidTransition
	}
	if cur.Terminal() && cur != next {
		return ErrInvalidTransition
	}
	return nil
}
