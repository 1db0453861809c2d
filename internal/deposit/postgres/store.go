package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riftexchange/rift-client/internal/deposit"
	"github.com/riftexchange/rift-client/internal/eth"
)

var ErrInvalidConfig = errors.New("deposit/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("deposit/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, a deposit.Attempt) (deposit.Attempt, bool, error) {
	if s == nil || s.pool == nil {
		return deposit.Attempt{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if a.Amount == nil {
		a.Amount = new(big.Int)
	}
	if a.Amount.Sign() < 0 {
		return deposit.Attempt{}, false, fmt.Errorf("%w: negative amount", deposit.ErrAttemptMismatch)
	}
	if !a.Status.Valid() {
		return deposit.Attempt{}, false, deposit.ErrInvalidTransition
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO deposit_attempts (
			attempt_id,
			kind,
			owner,
			target,
			token,
			amount,
			status,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6::numeric,$7,now(),now())
		ON CONFLICT (attempt_id) DO NOTHING
	`, a.ID[:], string(a.Kind), a.Owner[:], a.Target[:], a.Token[:], a.Amount.String(), int16(a.Status))
	if err != nil {
		return deposit.Attempt{}, false, fmt.Errorf("deposit/postgres: insert: %w", err)
	}

	got, err := s.Get(ctx, a.ID)
	if err != nil {
		return deposit.Attempt{}, false, err
	}
	if tag.RowsAffected() == 1 {
		return got, true, nil
	}
	if got.ID != a.ID || got.Kind != a.Kind || got.Owner != a.Owner || got.Target != a.Target ||
		got.Token != a.Token || got.Amount.Cmp(a.Amount) != 0 {
		return deposit.Attempt{}, false, deposit.ErrAttemptMismatch
	}
	return got, false, nil
}

// Transition applies one status change under a row lock so concurrent writers see a consistent
// sequence number.
func (s *Store) Transition(ctx context.Context, id common.Hash, status deposit.Status, txHash common.Hash, failure *deposit.Failure) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("deposit/postgres: begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cur int16
	err = tx.QueryRow(ctx, `
		SELECT status
		FROM deposit_attempts
		WHERE attempt_id = $1
		FOR UPDATE
	`, id[:]).Scan(&cur)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return deposit.ErrNotFound
		}
		return fmt.Errorf("deposit/postgres: lock attempt: %w", err)
	}
	if err := deposit.CheckTransition(deposit.Status(cur), status); err != nil {
		return err
	}
	if deposit.Status(cur) == status && status.Terminal() {
		return nil
	}

	var txHashRaw []byte
	if (txHash != common.Hash{}) {
		txHashRaw = txHash[:]
	}
	var (
		failureKind    *int16
		failureMessage *string
		failureReason  *string
	)
	if failure != nil {
		k := int16(failure.Kind)
		failureKind, failureMessage, failureReason = &k, &failure.Message, &failure.Reason
	}

	_, err = tx.Exec(ctx, `
		UPDATE deposit_attempts
		SET
			status = $2,
			tx_hash = COALESCE($3, tx_hash),
			failure_kind = COALESCE($4, failure_kind),
			failure_message = COALESCE($5, failure_message),
			failure_reason = COALESCE($6, failure_reason),
			seq = seq + 1,
			updated_at = now()
		WHERE attempt_id = $1
	`, id[:], int16(status), txHashRaw, failureKind, failureMessage, failureReason)
	if err != nil {
		return fmt.Errorf("deposit/postgres: transition: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("deposit/postgres: commit transition: %w", err)
	}
	return nil
}

const selectAttempt = `
	SELECT
		attempt_id,
		kind,
		owner,
		target,
		token,
		amount::text,
		status,
		tx_hash,
		failure_kind,
		failure_message,
		failure_reason,
		seq,
		created_at,
		updated_at
	FROM deposit_attempts
`

func (s *Store) Get(ctx context.Context, id common.Hash) (deposit.Attempt, error) {
	if s == nil || s.pool == nil {
		return deposit.Attempt{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	a, err := scanAttempt(s.pool.QueryRow(ctx, selectAttempt+` WHERE attempt_id = $1`, id[:]))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return deposit.Attempt{}, deposit.ErrNotFound
		}
		return deposit.Attempt{}, fmt.Errorf("deposit/postgres: get: %w", err)
	}
	return a, nil
}

// ListByOwner returns owner's attempts, newest first.
func (s *Store) ListByOwner(ctx context.Context, owner common.Address, limit int) ([]deposit.Attempt, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, selectAttempt+`
		WHERE owner = $1
		ORDER BY created_at DESC, attempt_id ASC
		LIMIT $2
	`, owner[:], limit)
	if err != nil {
		return nil, fmt.Errorf("deposit/postgres: list by owner: %w", err)
	}
	defer rows.Close()

	out := make([]deposit.Attempt, 0, limit)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("deposit/postgres: scan list row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deposit/postgres: list by owner rows: %w", err)
	}
	return out, nil
}

func scanAttempt(row pgx.Row) (deposit.Attempt, error) {
	var (
		idRaw, ownerRaw, targetRaw, tokenRaw []byte
		kind, amount                         string
		status                               int16
		txHashRaw                            []byte
		failureKind                          *int16
		failureMessage, failureReason        *string
		seq                                  int64
		created, updated                     time.Time
	)
	if err := row.Scan(
		&idRaw,
		&kind,
		&ownerRaw,
		&targetRaw,
		&tokenRaw,
		&amount,
		&status,
		&txHashRaw,
		&failureKind,
		&failureMessage,
		&failureReason,
		&seq,
		&created,
		&updated,
	); err != nil {
		return deposit.Attempt{}, err
	}

	id, err := to32(idRaw)
	if err != nil {
		return deposit.Attempt{}, err
	}
	owner, err := to20(ownerRaw)
	if err != nil {
		return deposit.Attempt{}, err
	}
	target, err := to20(targetRaw)
	if err != nil {
		return deposit.Attempt{}, err
	}
	token, err := to20(tokenRaw)
	if err != nil {
		return deposit.Attempt{}, err
	}
	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return deposit.Attempt{}, fmt.Errorf("deposit/postgres: invalid amount %q in db", amount)
	}
	if seq < 0 {
		return deposit.Attempt{}, fmt.Errorf("deposit/postgres: negative seq in db")
	}

	a := deposit.Attempt{
		ID:       id,
		Kind:     deposit.Kind(kind),
		Owner:    owner,
		Target:   target,
		Token:    token,
		Amount:   amt,
		Status:   deposit.Status(status),
		Created:  created.UTC(),
		Updated:  updated.UTC(),
		Sequence: uint64(seq),
	}
	if txHashRaw != nil {
		h, err := to32(txHashRaw)
		if err != nil {
			return deposit.Attempt{}, err
		}
		a.TxHash = h
	}
	if failureKind != nil {
		a.Failure = &deposit.Failure{Kind: eth.ErrorKind(*failureKind)}
		if failureMessage != nil {
			a.Failure.Message = *failureMessage
		}
		if failureReason != nil {
			a.Failure.Reason = *failureReason
		}
	}
	return a, nil
}

func to32(b []byte) ([32]byte, error) {
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("deposit/postgres: expected 32 bytes, got %d", len(b))
	}
	var out [32]byte
	copy(out[:], b)
	return out, nil
}

func to20(b []byte) ([20]byte, error) {
	if len(b) != 20 {
		return [20]byte{}, fmt.Errorf("deposit/postgres: expected 20 bytes, got %d", len(b))
	}
	var out [20]byte
	copy(out[:], b)
	return out, nil
}

var _ deposit.Store = (*Store)(nil)
