package walletlease

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore holds leases for one process. Tests use it; the daemon uses postgres.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[common.Address]Lease
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, leases: make(map[common.Address]Lease)}
}

func (s *MemoryStore) TryAcquire(_ context.Context, wallet common.Address, holder string, ttl time.Duration) (Lease, bool, error) {
	if err := Validate(wallet, holder, ttl); err != nil {
		return Lease{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if l, ok := s.leases[wallet]; ok && l.ExpiresAt.After(now) {
		return l, false, nil
	}
	l := Lease{Wallet: wallet, Holder: holder, ExpiresAt: now.Add(ttl)}
	s.leases[wallet] = l
	return l, true, nil
}

func (s *MemoryStore) Renew(_ context.Context, wallet common.Address, holder string, ttl time.Duration) (Lease, error) {
	if err := Validate(wallet, holder, ttl); err != nil {
		return Lease{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[wallet]
	if !ok {
		return Lease{}, ErrNotFound
	}
	if l.Holder != holder {
		return Lease{}, ErrNotHolder
	}
	l.ExpiresAt = s.now().Add(ttl)
	s.leases[wallet] = l
	return l, nil
}

func (s *MemoryStore) Release(_ context.Context, wallet common.Address, holder string) error {
	if (wallet == common.Address{}) || holder == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[wallet]
	if !ok {
		return nil
	}
	if l.Holder != holder {
		return ErrNotHolder
	}
	delete(s.leases, wallet)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, wallet common.Address) (Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[wallet]
	if !ok {
		return Lease{}, ErrNotFound
	}
	return l, nil
}
