package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mihaimyh/shoplingo/pkg/jobs"
)

var _ jobs.Store = (*Store)(nil)

// CreateJob implements jobs.Store.
func (s *Store) CreateJob(ctx context.Context, job *jobs.Job) error {
	products, err := json.Marshal(job.Products)
	if err != nil {
		return fmt.Errorf("shoplingo/postgres: marshal products: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, shop, model, status, products, current_n, total_n,
			remaining, cancelled, error_text, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.Shop, job.Model, job.Status, products,
		job.Progress.Current, job.Progress.Total, job.Progress.RemainingSeconds,
		job.Cancelled, job.Error, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		// The partial unique index on (shop) over non-terminal rows makes
		// the active-job check part of the insert itself.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" &&
			pgErr.ConstraintName == "idx_jobs_one_active_per_shop" {
			return jobs.ErrJobAlreadyRunning
		}
		return fmt.Errorf("shoplingo/postgres: create job: %w", err)
	}
	return nil
}

// SaveJob implements jobs.Store. The cancelled column only ever ORs in the
// new value, so a save from a stale run loop snapshot cannot clear a cancel
// requested by another instance.
func (s *Store) SaveJob(ctx context.Context, job *jobs.Job) error {
	products, err := json.Marshal(job.Products)
	if err != nil {
		return fmt.Errorf("shoplingo/postgres: marshal products: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET model = $2, status = $3, products = $4, current_n = $5, total_n = $6,
			remaining = $7, cancelled = cancelled OR $8, error_text = $9,
			updated_at = $10
		WHERE id = $1`,
		job.ID, job.Model, job.Status, products,
		job.Progress.Current, job.Progress.Total, job.Progress.RemainingSeconds,
		job.Cancelled, job.Error, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("shoplingo/postgres: save job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return jobs.ErrJobNotFound
	}
	return nil
}

// GetJob implements jobs.Store.
func (s *Store) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := s.scanJob(s.pool.QueryRow(ctx, `
		SELECT id, shop, model, status, products, current_n, total_n,
			remaining, cancelled, error_text, created_at, updated_at
		FROM jobs WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, jobs.ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

// ActiveJob implements jobs.Store.
func (s *Store) ActiveJob(ctx context.Context, shop string) (*jobs.Job, error) {
	job, err := s.scanJob(s.pool.QueryRow(ctx, `
		SELECT id, shop, model, status, products, current_n, total_n,
			remaining, cancelled, error_text, created_at, updated_at
		FROM jobs
		WHERE shop = $1 AND status IN ('queued', 'running')
		ORDER BY created_at LIMIT 1`,
		shop,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// LatestJob implements jobs.Store.
func (s *Store) LatestJob(ctx context.Context, shop string) (*jobs.Job, error) {
	job, err := s.scanJob(s.pool.QueryRow(ctx, `
		SELECT id, shop, model, status, products, current_n, total_n,
			remaining, cancelled, error_text, created_at, updated_at
		FROM jobs WHERE shop = $1
		ORDER BY created_at DESC LIMIT 1`,
		shop,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// RequestCancel implements jobs.Store.
func (s *Store) RequestCancel(ctx context.Context, shop string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET cancelled = TRUE
		WHERE shop = $1 AND status IN ('queued', 'running')`,
		shop,
	)
	if err != nil {
		return false, fmt.Errorf("shoplingo/postgres: request cancel: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Cancelled implements jobs.Store.
func (s *Store) Cancelled(ctx context.Context, id string) (bool, error) {
	var cancelled bool
	err := s.pool.QueryRow(ctx,
		`SELECT cancelled FROM jobs WHERE id = $1`, id,
	).Scan(&cancelled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, jobs.ErrJobNotFound
		}
		return false, fmt.Errorf("shoplingo/postgres: read cancel flag: %w", err)
	}
	return cancelled, nil
}

// RunningJobs implements jobs.Store.
func (s *Store) RunningJobs(ctx context.Context) ([]*jobs.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, shop, model, status, products, current_n, total_n,
			remaining, cancelled, error_text, created_at, updated_at
		FROM jobs WHERE status IN ('queued', 'running')
		ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("shoplingo/postgres: list running jobs: %w", err)
	}
	defer rows.Close()

	var running []*jobs.Job
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		running = append(running, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("shoplingo/postgres: iterate jobs: %w", err)
	}
	return running, nil
}

func (s *Store) scanJob(row pgx.Row) (*jobs.Job, error) {
	var job jobs.Job
	var products []byte
	err := row.Scan(&job.ID, &job.Shop, &job.Model, &job.Status, &products,
		&job.Progress.Current, &job.Progress.Total, &job.Progress.RemainingSeconds,
		&job.Cancelled, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("shoplingo/postgres: scan job: %w", err)
	}
	if err := json.Unmarshal(products, &job.Products); err != nil {
		return nil, fmt.Errorf("shoplingo/postgres: unmarshal products: %w", err)
	}
	return &job, nil
}
