package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgDB is the subset of pgxpool.Pool the store needs; satisfied by pgxmock.
type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore persists source configs in Postgres.
//
// Expected schema:
//
//	CREATE TABLE sources (
//	    id TEXT PRIMARY KEY,
//	    config JSONB NOT NULL,
//	    active BOOLEAN NOT NULL,
//	    review_requested BOOLEAN NOT NULL DEFAULT FALSE,
//	    review_reason TEXT,
//	    last_run_at TIMESTAMPTZ
//	);
type PostgresStore struct {
	db pgDB
}

// NewPostgresStore connects a pool for the sources table.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{db: pool}, nil
}

// NewPostgresStoreWithDB constructs a store from an existing pool (primarily for testing).
func NewPostgresStoreWithDB(db pgDB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() {
	if s != nil && s.db != nil {
		s.db.Close()
	}
}

// ActiveSources returns all active sources ordered by id.
func (s *PostgresStore) ActiveSources(ctx context.Context) ([]SourceConfig, error) {
	rows, err := s.db.Query(ctx,
		`SELECT config, review_requested, review_reason, last_run_at FROM sources WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query active sources: %w", err)
	}
	defer rows.Close()

	var out []SourceConfig
	for rows.Next() {
		cfg, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return out, nil
}

// Get returns the source with the given id.
func (s *PostgresStore) Get(ctx context.Context, id string) (SourceConfig, error) {
	row := s.db.QueryRow(ctx,
		`SELECT config, review_requested, review_reason, last_run_at FROM sources WHERE id = $1`, id)
	cfg, err := scanSource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return SourceConfig{}, ErrNotFound
	}
	if err != nil {
		return SourceConfig{}, err
	}
	return cfg, nil
}

// Save validates and upserts the config.
func (s *PostgresStore) Save(ctx context.Context, cfg SourceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal source config: %w", err)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO sources (id, config, active, review_requested, review_reason)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE
SET config = EXCLUDED.config,
    active = EXCLUDED.active,
    review_requested = EXCLUDED.review_requested,
    review_reason = EXCLUDED.review_reason`,
		cfg.ID, payload, cfg.Active, cfg.ReviewRequested, cfg.ReviewReason)
	if err != nil {
		return fmt.Errorf("upsert source %s: %w", cfg.ID, err)
	}
	return nil
}

// MarkRun records the last run timestamp.
func (s *PostgresStore) MarkRun(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE sources SET last_run_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("mark run for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FlagForReview marks the source for operator attention without touching
// its egress policy.
func (s *PostgresStore) FlagForReview(ctx context.Context, id, reason string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE sources SET review_requested = TRUE, review_reason = $1 WHERE id = $2`, reason, id)
	if err != nil {
		return fmt.Errorf("flag source %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSource(row pgx.Row) (SourceConfig, error) {
	var (
		payload         []byte
		reviewRequested bool
		reviewReason    *string
		lastRunAt       *time.Time
	)
	if err := row.Scan(&payload, &reviewRequested, &reviewReason, &lastRunAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SourceConfig{}, pgx.ErrNoRows
		}
		return SourceConfig{}, fmt.Errorf("scan source row: %w", err)
	}
	var cfg SourceConfig
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return SourceConfig{}, fmt.Errorf("unmarshal source config: %w", err)
	}
	cfg.ReviewRequested = reviewRequested
	if reviewReason != nil {
		cfg.ReviewReason = *reviewReason
	}
	cfg.LastRunAt = lastRunAt
	return cfg, nil
}
