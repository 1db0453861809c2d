package walletlease

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Held is a lease kept alive in the background until Release or until a renewal fails.
type Held struct {
	store  Store
	wallet common.Address
	holder string
	ttl    time.Duration
	log    *slog.Logger

	expiresAt time.Time

	lost   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	closed sync.Once
}

// Hold acquires the lease on wallet and renews it every ttl/3. It fails with ErrHeld when another
// holder's lease has not expired. A failed renewal is retried until the lease would have expired;
// losing the lease to another holder ends it at once.
func Hold(ctx context.Context, store Store, wallet common.Address, holder string, ttl time.Duration, log *slog.Logger) (*Held, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	if ttl < 3*time.Millisecond {
		return nil, fmt.Errorf("%w: ttl must be >= 3ms", ErrInvalidInput)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	l, ok, err := store.TryAcquire(ctx, wallet, holder, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: holder %s until %s", ErrHeld, l.Holder, l.ExpiresAt.UTC().Format(time.RFC3339))
	}
	h := &Held{
		store:  store,
		wallet: wallet,
		holder: holder,
		ttl:    ttl,
		log:    log,

		expiresAt: l.ExpiresAt,

		lost:   make(chan struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go h.renewLoop()
	log.Info("wallet lease acquired", "wallet", wallet, "holder", holder, "expiresAt", l.ExpiresAt)
	return h, nil
}

// Lost is closed when the lease could not be renewed. The holder must stop signing.
func (h *Held) Lost() <-chan struct{} { return h.lost }

// Release stops renewal and drops the lease.
func (h *Held) Release(ctx context.Context) error {
	h.closed.Do(func() { close(h.stop) })
	<-h.done
	return h.store.Release(ctx, h.wallet, h.holder)
}

func (h *Held) renewLoop() {
	defer close(h.done)

	t := time.NewTicker(h.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), h.ttl/3)
			l, err := h.store.Renew(ctx, h.wallet, h.holder, h.ttl)
			cancel()
			if err == nil {
				h.expiresAt = l.ExpiresAt
				continue
			}
			if errors.Is(err, ErrNotHolder) || errors.Is(err, ErrNotFound) || !time.Now().Before(h.expiresAt) {
				h.log.Error("wallet lease lost", "wallet", h.wallet, "holder", h.holder, "err", err)
				close(h.lost)
				return
			}
			h.log.Warn("renew wallet lease", "wallet", h.wallet, "expiresAt", h.expiresAt, "err", err)
		}
	}
}
