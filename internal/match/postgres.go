package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgDB is the subset of pgxpool.Pool the stores need; satisfied by pgxmock.
type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresNodeStore persists nodes in Postgres.
//
// Expected schema:
//
//	CREATE TABLE nodes (
//	    id UUID PRIMARY KEY,
//	    active BOOLEAN NOT NULL,
//	    payload JSONB NOT NULL
//	);
//	CREATE TABLE node_edges (
//	    node_id UUID NOT NULL,
//	    record_id UUID NOT NULL,
//	    payload JSONB NOT NULL,
//	    PRIMARY KEY (node_id, record_id)
//	);
type PostgresNodeStore struct {
	db pgDB
}

// NewPostgresNodeStore connects a pool for the node tables.
func NewPostgresNodeStore(ctx context.Context, dsn string, maxConns int32) (*PostgresNodeStore, error) {
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
	return &PostgresNodeStore{db: pool}, nil
}

// NewPostgresNodeStoreWithDB constructs a store from an existing pool
// (primarily for testing).
func NewPostgresNodeStoreWithDB(db pgDB) *PostgresNodeStore {
	return &PostgresNodeStore{db: db}
}

// Close releases the underlying pool.
func (s *PostgresNodeStore) Close() {
	if s != nil && s.db != nil {
		s.db.Close()
	}
}

// List returns every node ordered by id.
func (s *PostgresNodeStore) List(ctx context.Context) ([]Node, error) {
	return s.query(ctx, `SELECT payload FROM nodes ORDER BY id`)
}

// Active returns active nodes ordered by id.
func (s *PostgresNodeStore) Active(ctx context.Context) ([]Node, error) {
	return s.query(ctx, `SELECT payload FROM nodes WHERE active ORDER BY id`)
}

// Get returns the node with the given id.
func (s *PostgresNodeStore) Get(ctx context.Context, id string) (Node, error) {
	var payload []byte
	err := s.db.QueryRow(ctx, `SELECT payload FROM nodes WHERE id = $1`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Node{}, ErrNotFound
		}
		return Node{}, fmt.Errorf("scan node: %w", err)
	}
	var node Node
	if err := json.Unmarshal(payload, &node); err != nil {
		return Node{}, fmt.Errorf("unmarshal node: %w", err)
	}
	return node, nil
}

// Save validates and upserts the node.
func (s *PostgresNodeStore) Save(ctx context.Context, node Node) error {
	if err := node.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal node: %w", err)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO nodes (id, active, payload)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET active = EXCLUDED.active, payload = EXCLUDED.payload`,
		node.ID, node.Active, payload)
	if err != nil {
		return fmt.Errorf("save node %s: %w", node.ID, err)
	}
	return nil
}

// Delete removes the node.
func (s *PostgresNodeStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete node %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresNodeStore) query(ctx context.Context, sql string) ([]Node, error) {
	rows, err := s.db.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan node row: %w", err)
		}
		var node Node
		if err := json.Unmarshal(payload, &node); err != nil {
			return nil, fmt.Errorf("unmarshal node: %w", err)
		}
		out = append(out, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return out, nil
}

// PostgresEdgeStore persists node-record edges in Postgres. Replacements
// run inside a transaction so readers never see a half-swapped edge set.
type PostgresEdgeStore struct {
	db pgDB
}

// NewPostgresEdgeStoreWithDB constructs a store from an existing pool.
func NewPostgresEdgeStoreWithDB(db pgDB) *PostgresEdgeStore {
	return &PostgresEdgeStore{db: db}
}

// ReplaceForRecord swaps every edge of one record transactionally.
func (s *PostgresEdgeStore) ReplaceForRecord(ctx context.Context, recordID string, edges []Edge) error {
	return s.replace(ctx, `DELETE FROM node_edges WHERE record_id = $1`, recordID, edges)
}

// ReplaceForNode swaps every edge of one node transactionally.
func (s *PostgresEdgeStore) ReplaceForNode(ctx context.Context, nodeID string, edges []Edge) error {
	return s.replace(ctx, `DELETE FROM node_edges WHERE node_id = $1`, nodeID, edges)
}

// ListForNode returns a node's edges.
func (s *PostgresEdgeStore) ListForNode(ctx context.Context, nodeID string) ([]Edge, error) {
	return s.query(ctx, `SELECT payload FROM node_edges WHERE node_id = $1 ORDER BY record_id`, nodeID)
}

// ListForRecord returns a record's edges.
func (s *PostgresEdgeStore) ListForRecord(ctx context.Context, recordID string) ([]Edge, error) {
	return s.query(ctx, `SELECT payload FROM node_edges WHERE record_id = $1 ORDER BY node_id`, recordID)
}

// DeleteForNode removes every edge of one node.
func (s *PostgresEdgeStore) DeleteForNode(ctx context.Context, nodeID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM node_edges WHERE node_id = $1`, nodeID); err != nil {
		return fmt.Errorf("delete edges for node %s: %w", nodeID, err)
	}
	return nil
}

func (s *PostgresEdgeStore) replace(ctx context.Context, deleteSQL, key string, edges []Edge) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin edge replacement: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, deleteSQL, key); err != nil {
		return fmt.Errorf("clear edges for %s: %w", key, err)
	}
	for _, edge := range edges {
		payload, err := json.Marshal(edge)
		if err != nil {
			return fmt.Errorf("marshal edge: %w", err)
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO node_edges (node_id, record_id, payload)
VALUES ($1, $2, $3)`, edge.NodeID, edge.RecordID, payload); err != nil {
			return fmt.Errorf("insert edge %s/%s: %w", edge.NodeID, edge.RecordID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit edge replacement: %w", err)
	}
	return nil
}

func (s *PostgresEdgeStore) query(ctx context.Context, sql, key string) ([]Edge, error) {
	rows, err := s.db.Query(ctx, sql, key)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan edge row: %w", err)
		}
		var edge Edge
		if err := json.Unmarshal(payload, &edge); err != nil {
			return nil, fmt.Errorf("unmarshal edge: %w", err)
		}
		out = append(out, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edges: %w", err)
	}
	return out, nil
}
