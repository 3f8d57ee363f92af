// Package postgres provides PostgreSQL implementations of ledger.Storage and
// jobs.Store. Balance mutations use conditional UPDATE ... RETURNING so that
// concurrent reservations on the same shop cannot overspend.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/shoplingo/pkg/ledger"
)

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// Store implements ledger.Storage and jobs.Store against PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

var _ ledger.Storage = (*Store)(nil)

// New creates a PostgreSQL store and verifies connectivity.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, config: config}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS token_balances (
			shop            TEXT PRIMARY KEY,
			balance         BIGINT NOT NULL,
			total_granted   BIGINT NOT NULL DEFAULT 0,
			total_purchased BIGINT NOT NULL DEFAULT 0,
			updated_at      TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS token_reservations (
			id         TEXT PRIMARY KEY,
			shop       TEXT NOT NULL REFERENCES token_balances(shop),
			amount     BIGINT NOT NULL,
			feature    TEXT NOT NULL,
			status     TEXT NOT NULL,
			actual     BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			settled_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_reservations_shop
			ON token_reservations(shop);
		CREATE INDEX IF NOT EXISTS idx_reservations_pending
			ON token_reservations(created_at) WHERE status = 'pending';

		CREATE TABLE IF NOT EXISTS token_grants (
			idempotency_key TEXT PRIMARY KEY,
			shop            TEXT NOT NULL,
			amount          BIGINT NOT NULL,
			granted_at      TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS jobs (
			id         TEXT PRIMARY KEY,
			shop       TEXT NOT NULL,
			model      TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL,
			products   JSONB NOT NULL,
			current_n  INTEGER NOT NULL DEFAULT 0,
			total_n    INTEGER NOT NULL DEFAULT 0,
			remaining  INTEGER NOT NULL DEFAULT 0,
			cancelled  BOOLEAN NOT NULL DEFAULT FALSE,
			error_text TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_shop_created
			ON jobs(shop, created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_running
			ON jobs(status) WHERE status IN ('queued', 'running');
		CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_active_per_shop
			ON jobs(shop) WHERE status IN ('queued', 'running');
	`)
	if err != nil {
		return fmt.Errorf("shoplingo/postgres: ensure schema: %w", err)
	}
	return nil
}

// GetBalance implements ledger.Storage.
func (s *Store) GetBalance(ctx context.Context, shop string) (*ledger.TokenBalance, error) {
	bal := &ledger.TokenBalance{Shop: shop}
	err := s.pool.QueryRow(ctx, `
		SELECT balance, total_granted, total_purchased, updated_at
		FROM token_balances WHERE shop = $1`,
		shop,
	).Scan(&bal.Balance, &bal.TotalGranted, &bal.TotalPurchased, &bal.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrBalanceNotFound
		}
		return nil, fmt.Errorf("shoplingo/postgres: get balance: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, amount, feature, status, actual, created_at, settled_at
		FROM token_reservations WHERE shop = $1 ORDER BY created_at`,
		shop,
	)
	if err != nil {
		return nil, fmt.Errorf("shoplingo/postgres: list reservations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		res := &ledger.Reservation{Shop: shop}
		var settledAt *time.Time
		if err := rows.Scan(&res.ID, &res.Amount, &res.Feature, &res.Status, &res.ActualAmount, &res.CreatedAt, &settledAt); err != nil {
			return nil, fmt.Errorf("shoplingo/postgres: scan reservation: %w", err)
		}
		if settledAt != nil {
			res.SettledAt = *settledAt
		}
		bal.Reservations = append(bal.Reservations, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("shoplingo/postgres: iterate reservations: %w", err)
	}
	return bal, nil
}

// GetOrCreateBalance implements ledger.Storage.
func (s *Store) GetOrCreateBalance(ctx context.Context, shop string, initialGrant int64, now time.Time) (*ledger.TokenBalance, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO token_balances (shop, balance, total_granted, updated_at)
		VALUES ($1, $2, $2, $3)
		ON CONFLICT (shop) DO NOTHING`,
		shop, initialGrant, now,
	)
	if err != nil {
		return nil, fmt.Errorf("shoplingo/postgres: create balance: %w", err)
	}
	return s.GetBalance(ctx, shop)
}

// Reserve implements ledger.Storage. The balance check and decrement are a
// single conditional UPDATE, so concurrent reservations serialize on the row.
func (s *Store) Reserve(ctx context.Context, req *ledger.ReserveRequest) (*ledger.Reservation, error) {
	if req.Amount <= 0 {
		return nil, ledger.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("shoplingo/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE token_balances
		SET balance = balance - $2, updated_at = $3
		WHERE shop = $1 AND balance >= $2`,
		req.Shop, req.Amount, req.Now,
	)
	if err != nil {
		return nil, fmt.Errorf("shoplingo/postgres: reserve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM token_balances WHERE shop = $1)`,
			req.Shop,
		).Scan(&exists); err != nil {
			return nil, fmt.Errorf("shoplingo/postgres: reserve: %w", err)
		}
		if !exists {
			return nil, ledger.ErrBalanceNotFound
		}
		return nil, ledger.ErrInsufficientBalance
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO token_reservations (id, shop, amount, feature, status, created_at)
		VALUES ($1, $2, $3, $4, 'pending', $5)`,
		req.ReservationID, req.Shop, req.Amount, req.Feature, req.Now,
	)
	if err != nil {
		return nil, fmt.Errorf("shoplingo/postgres: insert reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("shoplingo/postgres: commit: %w", err)
	}

	return &ledger.Reservation{
		ID:        req.ReservationID,
		Shop:      req.Shop,
		Amount:    req.Amount,
		Feature:   req.Feature,
		Status:    ledger.ReservationPending,
		CreatedAt: req.Now,
	}, nil
}

// Settle implements ledger.Storage.
func (s *Store) Settle(ctx context.Context, req *ledger.SettleRequest) (*ledger.Reservation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("shoplingo/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	res := &ledger.Reservation{ID: req.ReservationID}
	var settledAt *time.Time
	err = tx.QueryRow(ctx, `
		SELECT shop, amount, feature, status, actual, created_at, settled_at
		FROM token_reservations WHERE id = $1 FOR UPDATE`,
		req.ReservationID,
	).Scan(&res.Shop, &res.Amount, &res.Feature, &res.Status, &res.ActualAmount, &res.CreatedAt, &settledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrReservationNotFound
		}
		return nil, fmt.Errorf("shoplingo/postgres: load reservation: %w", err)
	}
	if settledAt != nil {
		res.SettledAt = *settledAt
	}

	if res.Status != ledger.ReservationPending {
		// Repeating the same terminal transition is a no-op.
		if (req.Kind == ledger.SettleFinalize && res.Status == ledger.ReservationFinalized) ||
			(req.Kind == ledger.SettleRefund && res.Status == ledger.ReservationRefunded) {
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("shoplingo/postgres: commit: %w", err)
			}
			return res, nil
		}
		return nil, ledger.ErrReservationSettled
	}

	var creditBack int64
	switch req.Kind {
	case ledger.SettleFinalize:
		actual := req.ActualAmount
		if actual > res.Amount {
			actual = res.Amount
		}
		creditBack = res.Amount - actual
		res.Status = ledger.ReservationFinalized
		res.ActualAmount = actual
	case ledger.SettleRefund:
		creditBack = res.Amount
		res.Status = ledger.ReservationRefunded
	default:
		return nil, fmt.Errorf("shoplingo/postgres: unknown settle kind %q", req.Kind)
	}
	res.SettledAt = req.Now

	_, err = tx.Exec(ctx, `
		UPDATE token_reservations
		SET status = $2, actual = $3, settled_at = $4
		WHERE id = $1`,
		req.ReservationID, res.Status, res.ActualAmount, req.Now,
	)
	if err != nil {
		return nil, fmt.Errorf("shoplingo/postgres: update reservation: %w", err)
	}

	if creditBack > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE token_balances
			SET balance = balance + $2, updated_at = $3
			WHERE shop = $1`,
			res.Shop, creditBack, req.Now,
		)
		if err != nil {
			return nil, fmt.Errorf("shoplingo/postgres: credit back: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("shoplingo/postgres: commit: %w", err)
	}
	return res, nil
}

// AddTokens implements ledger.Storage.
func (s *Store) AddTokens(ctx context.Context, req *ledger.GrantRequest) error {
	if req.Amount <= 0 {
		return ledger.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("shoplingo/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if req.IdempotencyKey != "" {
		_, err := tx.Exec(ctx, `
			INSERT INTO token_grants (idempotency_key, shop, amount, granted_at)
			VALUES ($1, $2, $3, $4)`,
			req.IdempotencyKey, req.Shop, req.Amount, req.Now,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ledger.ErrIdempotencyKeyExists
			}
			return fmt.Errorf("shoplingo/postgres: record grant: %w", err)
		}
	}

	purchasedDelta := int64(0)
	if req.Purchased {
		purchasedDelta = req.Amount
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO token_balances (shop, balance, total_granted, total_purchased, updated_at)
		VALUES ($1, $2, $2, $3, $4)
		ON CONFLICT (shop) DO UPDATE SET
			balance = token_balances.balance + EXCLUDED.balance,
			total_granted = token_balances.total_granted + EXCLUDED.total_granted,
			total_purchased = token_balances.total_purchased + EXCLUDED.total_purchased,
			updated_at = EXCLUDED.updated_at`,
		req.Shop, req.Amount, purchasedDelta, req.Now,
	)
	if err != nil {
		return fmt.Errorf("shoplingo/postgres: grant: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("shoplingo/postgres: commit: %w", err)
	}
	return nil
}

// StaleReservations implements ledger.Storage.
func (s *Store) StaleReservations(ctx context.Context, olderThan time.Time) ([]*ledger.Reservation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, shop, amount, feature, created_at
		FROM token_reservations
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at`,
		olderThan,
	)
	if err != nil {
		return nil, fmt.Errorf("shoplingo/postgres: stale scan: %w", err)
	}
	defer rows.Close()

	var stale []*ledger.Reservation
	for rows.Next() {
		res := &ledger.Reservation{Status: ledger.ReservationPending}
		if err := rows.Scan(&res.ID, &res.Shop, &res.Amount, &res.Feature, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("shoplingo/postgres: scan reservation: %w", err)
		}
		stale = append(stale, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("shoplingo/postgres: iterate reservations: %w", err)
	}
	return stale, nil
}
