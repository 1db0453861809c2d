// Package portfolio keeps the wallet's token balance and swap history fresh after deposits.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/riftexchange/rift-client/internal/chainproof"
)

var ErrInvalidConfig = errors.New("portfolio: invalid config")

type BalanceReader interface {
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

type SwapLister interface {
	Swaps(ctx context.Context, owner common.Address, page int) ([]chainproof.Swap, error)
}

type Config struct {
	Token common.Address
	// Pages is how many history pages Refresh reads, starting at page 0. Zero means one.
	Pages int
	Now   func() time.Time
}

type Snapshot struct {
	Owner       common.Address
	Token       common.Address
	Balance     *big.Int
	Swaps       []chainproof.Swap
	RefreshedAt time.Time
}

// Pending counts swaps whose payout has not been released yet.
func (s Snapshot) Pending() int {
	n := 0
	for _, sw := range s.Swaps {
		if sw.Status() != chainproof.SwapStatusReleased {
			n++
		}
	}
	return n
}

type Refresher struct {
	balances BalanceReader
	swaps    SwapLister
	cfg      Config

	mu     sync.RWMutex
	latest map[common.Address]Snapshot
}

func New(balances BalanceReader, swaps SwapLister, cfg Config) (*Refresher, error) {
	if balances == nil || swaps == nil {
		return nil, fmt.Errorf("%w: nil balance reader or swap lister", ErrInvalidConfig)
	}
	if (cfg.Token == common.Address{}) {
		return nil, fmt.Errorf("%w: token must be non-zero", ErrInvalidConfig)
	}
	if cfg.Pages < 0 {
		return nil, fmt.Errorf("%w: pages must be >= 0", ErrInvalidConfig)
	}
	if cfg.Pages == 0 {
		cfg.Pages = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Refresher{balances: balances, swaps: swaps, cfg: cfg, latest: make(map[common.Address]Snapshot)}, nil
}

// Refresh re-reads owner's balance and swap history. Whatever was read is kept even when the other
// half fails; the returned error joins both failures.
func (r *Refresher) Refresh(ctx context.Context, owner common.Address) error {
	snap := Snapshot{Owner: owner, Token: r.cfg.Token}

	var errs []error
	bal, err := r.balances.BalanceOf(ctx, r.cfg.Token, owner)
	if err != nil {
		errs = append(errs, fmt.Errorf("portfolio: balance: %w", err))
	} else {
		snap.Balance = bal
	}

	swapsFailed := false
	for page := 0; page < r.cfg.Pages; page++ {
		swaps, err := r.swaps.Swaps(ctx, owner, page)
		if err != nil {
			errs = append(errs, fmt.Errorf("portfolio: swaps page %d: %w", page, err))
			swapsFailed = true
			break
		}
		snap.Swaps = append(snap.Swaps, swaps...)
		if len(swaps) == 0 {
			break
		}
	}
	snap.RefreshedAt = r.cfg.Now().UTC()

	r.mu.Lock()
	prev, had := r.latest[owner]
	if snap.Balance == nil && had {
		snap.Balance = prev.Balance
	}
	// A failed page leaves a truncated history; the previous full listing is kept instead.
	if swapsFailed && had {
		snap.Swaps = prev.Swaps
	}
	r.latest[owner] = snap
	r.mu.Unlock()

	return errors.Join(errs...)
}

// Snapshot returns the last refresh for owner.
func (r *Refresher) Snapshot(owner common.Address) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.latest[owner]
	if !ok {
		return Snapshot{}, false
	}
	s.Swaps = append([]chainproof.Swap(nil), s.Swaps...)
	if s.Balance != nil {
		s.Balance = new(big.Int).Set(s.Balance)
	}
	return s, true
}
