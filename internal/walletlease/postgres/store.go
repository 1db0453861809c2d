package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riftexchange/rift-client/internal/walletlease"
)

var ErrInvalidConfig = errors.New("walletlease/postgres: invalid config")

// Store keeps wallet leases in postgres. Expiry is judged by the database clock.
type Store struct {
	pool *pgxpool.Pool
}

var _ walletlease.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("walletlease/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) TryAcquire(ctx context.Context, wallet common.Address, holder string, ttl time.Duration) (walletlease.Lease, bool, error) {
	if err := walletlease.Validate(wallet, holder, ttl); err != nil {
		return walletlease.Lease{}, false, err
	}

	var expires time.Time
	err := s.pool.QueryRow(ctx, `
		INSERT INTO wallet_leases (wallet, holder, expires_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
		ON CONFLICT (wallet) DO UPDATE
		SET holder = EXCLUDED.holder,
			expires_at = EXCLUDED.expires_at,
			acquired_at = now(),
			updated_at = now()
		WHERE wallet_leases.expires_at <= now()
		RETURNING expires_at
	`, wallet.Bytes(), holder, millis(ttl)).Scan(&expires)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.Get(ctx, wallet)
		if gerr != nil {
			return walletlease.Lease{}, false, gerr
		}
		return cur, false, nil
	}
	if err != nil {
		return walletlease.Lease{}, false, fmt.Errorf("walletlease/postgres: try acquire: %w", err)
	}
	return walletlease.Lease{Wallet: wallet, Holder: holder, ExpiresAt: expires}, true, nil
}

func (s *Store) Renew(ctx context.Context, wallet common.Address, holder string, ttl time.Duration) (walletlease.Lease, error) {
	if err := walletlease.Validate(wallet, holder, ttl); err != nil {
		return walletlease.Lease{}, err
	}

	var expires time.Time
	err := s.pool.QueryRow(ctx, `
		UPDATE wallet_leases
		SET expires_at = now() + ($3::bigint * interval '1 millisecond'),
			updated_at = now()
		WHERE wallet = $1 AND holder = $2
		RETURNING expires_at
	`, wallet.Bytes(), holder, millis(ttl)).Scan(&expires)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.Get(ctx, wallet); gerr != nil {
			return walletlease.Lease{}, gerr
		}
		return walletlease.Lease{}, walletlease.ErrNotHolder
	}
	if err != nil {
		return walletlease.Lease{}, fmt.Errorf("walletlease/postgres: renew: %w", err)
	}
	return walletlease.Lease{Wallet: wallet, Holder: holder, ExpiresAt: expires}, nil
}

func (s *Store) Release(ctx context.Context, wallet common.Address, holder string) error {
	if (wallet == common.Address{}) || holder == "" {
		return walletlease.ErrInvalidInput
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM wallet_leases WHERE wallet = $1 AND holder = $2`, wallet.Bytes(), holder)
	if err != nil {
		return fmt.Errorf("walletlease/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, gerr := s.Get(ctx, wallet); errors.Is(gerr, walletlease.ErrNotFound) {
		return nil
	} else if gerr != nil {
		return gerr
	}
	return walletlease.ErrNotHolder
}

func (s *Store) Get(ctx context.Context, wallet common.Address) (walletlease.Lease, error) {
	l := walletlease.Lease{Wallet: wallet}
	err := s.pool.QueryRow(ctx, `SELECT holder, expires_at FROM wallet_leases WHERE wallet = $1`, wallet.Bytes()).
		Scan(&l.Holder, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return walletlease.Lease{}, walletlease.ErrNotFound
	}
	if err != nil {
		return walletlease.Lease{}, fmt.Errorf("walletlease/postgres: get: %w", err)
	}
	return l, nil
}

func millis(ttl time.Duration) int64 {
	if ms := ttl.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}
