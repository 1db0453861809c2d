// Package walletlease keeps a single process in charge of a wallet. Nonces are tracked locally by
// the gateway, so two processes signing for the same address would collide.
package walletlease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidInput = errors.New("walletlease: invalid input")
	ErrNotFound     = errors.New("walletlease: not found")
	ErrNotHolder    = errors.New("walletlease: not holder")
	ErrHeld         = errors.New("walletlease: wallet held by another process")
)

type Lease struct {
	Wallet    common.Address
	Holder    string
	ExpiresAt time.Time
}

// Store is a compare-and-swap lease table keyed by wallet.
//
// TryAcquire succeeds when no lease exists or the current one has expired. Renew succeeds only for
// the current holder. Release is a no-op when the lease is already gone.
type Store interface {
	TryAcquire(ctx context.Context, wallet common.Address, holder string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, wallet common.Address, holder string, ttl time.Duration) (Lease, error)
	Release(ctx context.Context, wallet common.Address, holder string) error
	Get(ctx context.Context, wallet common.Address) (Lease, error)
}

func Validate(wallet common.Address, holder string, ttl time.Duration) error {
	if (wallet == common.Address{}) || holder == "" || ttl <= 0 {
		return fmt.Errorf("%w: wallet and holder must be set and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
