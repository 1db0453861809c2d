package eth

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type PendingNoncer interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager hands out transaction nonces for the single account a Gateway signs for.
//
// The approval and deposit transactions of one attempt are sent back to back, before the first is
// mined, so the pending nonce from the node can lag behind what has already been reserved locally.
type NonceManager struct {
	backend PendingNoncer
	addr    common.Address

	mu   sync.Mutex
	next uint64
	have bool
}

func NewNonceManager(backend PendingNoncer, addr common.Address) *NonceManager {
	return &NonceManager{
		backend: backend,
		addr:    addr,
	}
}

// Next reserves and returns the next nonce.
func (m *NonceManager) Next(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.have {
		n, err := m.backend.PendingNonceAt(ctx, m.addr)
		if err != nil {
			return 0, err
		}
		m.next = n
		m.have = true
	}

	n := m.next
	m.next++
	return n, nil
}

// Release returns n to the pool when it is the most recently reserved nonce and its transaction was
// never broadcast (rejected signature, failed send). It reports whether the nonce was reclaimed.
func (m *NonceManager) Release(n uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.have || m.next != n+1 {
		return false
	}
	m.next = n
	return true
}

// Sync refreshes the next nonce from the backend, but never decreases it.
func (m *NonceManager) Sync(ctx context.Context) (uint64, error) {
	n, err := m.backend.PendingNonceAt(ctx, m.addr)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.have || n > m.next {
		m.next = n
		m.have = true
	}
	return n, nil
}

// Resync adopts the backend's pending nonce even when it is lower than the local counter. It is
// for a node that reports a nonce gap: the transactions behind the local counter never reached it.
func (m *NonceManager) Resync(ctx context.Context) (uint64, error) {
	n, err := m.backend.PendingNonceAt(ctx, m.addr)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.next = n
	m.have = true
	return n, nil
}
