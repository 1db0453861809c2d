package deposit

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type MemoryStore struct {
	mu       sync.Mutex
	attempts map[common.Hash]Attempt
	order    []common.Hash
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attempts: make(map[common.Hash]Attempt),
		now:      time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, a Attempt) (Attempt, bool, error) {
	if a.Amount == nil {
		a.Amount = new(big.Int)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.attempts[a.ID]; ok {
		if !cur.sameIdentity(a) {
			return Attempt{}, false, ErrAttemptMismatch
		}
		return copyAttempt(cur), false, nil
	}
	now := s.now().UTC()
	a.Amount = new(big.Int).Set(a.Amount)
	a.Created, a.Updated = now, now
	a.Failure = copyFailure(a.Failure)
	s.attempts[a.ID] = a
	s.order = append(s.order, a.ID)
	return copyAttempt(a), true, nil
}

func (s *MemoryStore) Transition(_ context.Context, id common.Hash, status Status, txHash common.Hash, failure *Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[id]
	if !ok {
		return ErrNotFound
	}
	if err := CheckTransition(a.Status, status); err != nil {
		return err
	}
	if a.Status == status && a.Status.Terminal() {
		return nil
	}
	a.Status = status
	if (txHash != common.Hash{}) {
		a.TxHash = txHash
	}
	if failure != nil {
		a.Failure = copyFailure(failure)
	}
	a.Sequence++
	a.Updated = s.now().UTC()
	s.attempts[id] = a
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id common.Hash) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[id]
	if !ok {
		return Attempt{}, ErrNotFound
	}
	return copyAttempt(a), nil
}

// ListByOwner returns owner's attempts, newest first.
func (s *MemoryStore) ListByOwner(_ context.Context, owner common.Address, limit int) ([]Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	out := make([]Attempt, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		a := s.attempts[s.order[i]]
		if a.Owner == owner {
			out = append(out, copyAttempt(a))
		}
	}
	return out, nil
}

func copyAttempt(a Attempt) Attempt {
	if a.Amount != nil {
		a.Amount = new(big.Int).Set(a.Amount)
	}
	a.Failure = copyFailure(a.Failure)
	return a
}

func copyFailure(f *Failure) *Failure {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}
