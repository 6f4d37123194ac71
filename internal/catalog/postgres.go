package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/martinsantos/licitometro-sub001/internal/tender"
)

// pgDB is the subset of pgxpool.Pool the store needs; satisfied by pgxmock.
type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresStore persists canonical records in Postgres.
//
// Expected schema:
//
//	CREATE TABLE records (
//	    id UUID PRIMARY KEY,
//	    fingerprint TEXT NOT NULL UNIQUE,
//	    level SMALLINT NOT NULL,
//	    archived BOOLEAN NOT NULL DEFAULT FALSE,
//	    payload JSONB NOT NULL
//	);
//	CREATE TABLE unresolved_records (
//	    id UUID PRIMARY KEY,
//	    fingerprint TEXT NOT NULL,
//	    payload JSONB NOT NULL
//	);
type PostgresStore struct {
	db pgDB
}

// NewPostgresStore connects a pool for the catalog tables.
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

// Get returns a record by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (tender.CanonicalRecord, error) {
	return s.scanOne(s.db.QueryRow(ctx, `SELECT payload FROM records WHERE id = $1`, id))
}

// GetByFingerprint returns the record keyed by the dedup fingerprint.
func (s *PostgresStore) GetByFingerprint(ctx context.Context, fingerprint string) (tender.CanonicalRecord, error) {
	return s.scanOne(s.db.QueryRow(ctx, `SELECT payload FROM records WHERE fingerprint = $1`, fingerprint))
}

// Upsert writes the record in one statement, keyed by fingerprint. The
// stored first_seen_at and any higher enrichment level win on conflict, so
// a stale writer can never regress either.
func (s *PostgresStore) Upsert(ctx context.Context, rec tender.CanonicalRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO records (id, fingerprint, level, archived, payload)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (fingerprint) DO UPDATE
SET level = GREATEST(records.level, EXCLUDED.level),
    archived = EXCLUDED.archived,
    payload = EXCLUDED.payload
        || jsonb_build_object(
            'id', records.payload->'id',
            'first_seen_at', records.payload->'first_seen_at',
            'enrichment_level', GREATEST(records.level, EXCLUDED.level))`,
		rec.ID, rec.Fingerprint, int(rec.Level), rec.Archived, payload)
	if err != nil {
		return fmt.Errorf("upsert record %s: %w", rec.Fingerprint, err)
	}
	return nil
}

// Update applies fn to the record inside a transaction. The row lock
// serializes concurrent read-modify-write cycles, so fn always sees the
// latest committed state.
func (s *PostgresStore) Update(ctx context.Context, id string, fn func(*tender.CanonicalRecord)) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin record update: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.scanOne(tx.QueryRow(ctx, `SELECT payload FROM records WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return err
	}
	fn(&rec)

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := tx.Exec(ctx, `
UPDATE records SET archived = $2, payload = $3
WHERE id = $1`, id, rec.Archived, payload); err != nil {
		return fmt.Errorf("update record %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit record update: %w", err)
	}
	return nil
}

// SetLevel raises the enrichment level; the WHERE guard makes downward
// moves a no-op.
func (s *PostgresStore) SetLevel(ctx context.Context, id string, level tender.EnrichmentLevel) error {
	_, err := s.db.Exec(ctx, `
UPDATE records
SET level = $2,
    payload = payload || jsonb_build_object('enrichment_level', $2::int) - 'level_failure'
WHERE id = $1 AND level < $2`, id, int(level))
	if err != nil {
		return fmt.Errorf("set level for %s: %w", id, err)
	}
	return nil
}

// RecordLevelFailure notes a terminal enrichment failure.
func (s *PostgresStore) RecordLevelFailure(ctx context.Context, id, note string) error {
	tag, err := s.db.Exec(ctx, `
UPDATE records SET payload = payload || jsonb_build_object('level_failure', $2::text)
WHERE id = $1`, id, note)
	if err != nil {
		return fmt.Errorf("record level failure for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetNodeMemberships replaces the record's node membership list.
func (s *PostgresStore) SetNodeMemberships(ctx context.Context, id string, nodeIDs []string) error {
	payload, err := json.Marshal(nodeIDs)
	if err != nil {
		return fmt.Errorf("marshal node ids: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
UPDATE records SET payload = jsonb_set(payload, '{node_ids}', $2::jsonb)
WHERE id = $1`, id, payload)
	if err != nil {
		return fmt.Errorf("set node memberships for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Archive marks a record superseded without removing it.
func (s *PostgresStore) Archive(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
UPDATE records SET archived = TRUE,
    payload = jsonb_set(payload, '{archived}', 'true'::jsonb)
WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("archive record %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Each streams every non-archived record to fn.
func (s *PostgresStore) Each(ctx context.Context, fn func(tender.CanonicalRecord) error) error {
	rows, err := s.db.Query(ctx, `SELECT payload FROM records WHERE NOT archived ORDER BY id`)
	if err != nil {
		return fmt.Errorf("scan records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("scan record row: %w", err)
		}
		var rec tender.CanonicalRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("unmarshal record: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate records: %w", err)
	}
	return nil
}

// HoldUnresolved stores an observation whose merge was rejected.
func (s *PostgresStore) HoldUnresolved(ctx context.Context, rec tender.UnresolvedRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal unresolved record: %w", err)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO unresolved_records (id, fingerprint, payload)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO NOTHING`, rec.ID, rec.Fingerprint, payload)
	if err != nil {
		return fmt.Errorf("hold unresolved %s: %w", rec.Fingerprint, err)
	}
	return nil
}

// ListUnresolved returns held observations for operator review.
func (s *PostgresStore) ListUnresolved(ctx context.Context) ([]tender.UnresolvedRecord, error) {
	rows, err := s.db.Query(ctx, `SELECT payload FROM unresolved_records ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query unresolved: %w", err)
	}
	defer rows.Close()

	var out []tender.UnresolvedRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan unresolved row: %w", err)
		}
		var rec tender.UnresolvedRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal unresolved record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unresolved: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) scanOne(row pgx.Row) (tender.CanonicalRecord, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tender.CanonicalRecord{}, ErrNotFound
		}
		return tender.CanonicalRecord{}, fmt.Errorf("scan record: %w", err)
	}
	var rec tender.CanonicalRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return tender.CanonicalRecord{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, nil
}
