// Package postgres provides a Postgres-backed checkpoint store. Each flush
// upserts its results and the run cursor in one transaction.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/taxdue-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "tax_results"

// CheckpointStoreConfig controls the Postgres connection pool and tables.
type CheckpointStoreConfig struct {
	DSN             string
	Table           string
	RunID           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// CheckpointStore implements crawler.CheckpointStore on two tables: one row
// per (run, identifier) in Table, and one cursor row per run in Table_runs.
type CheckpointStore struct {
	pool  pgxPool
	table string
	runID string
	now   func() time.Time
}

// NewCheckpointStore connects to Postgres and returns a store for cfg.RunID.
func NewCheckpointStore(ctx context.Context, cfg CheckpointStoreConfig) (*CheckpointStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewCheckpointStoreWithPool(pool, cfg.Table, cfg.RunID)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewCheckpointStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewCheckpointStoreWithPool(pool pgxPool, table, runID string) (*CheckpointStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &CheckpointStore{pool: pool, table: table, runID: runID, now: time.Now}, nil
}

// Close releases the underlying pool resources.
func (s *CheckpointStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *CheckpointStore) runsTable() string { return s.table + "_runs" }

// EnsureSchema creates the result and cursor tables when missing.
func (s *CheckpointStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	run_id      text        NOT NULL,
	identifier  text        NOT NULL,
	status      text        NOT NULL,
	amount_due  numeric,
	attempts    integer     NOT NULL,
	error_kind  text,
	payload     jsonb       NOT NULL,
	fetched_at  timestamptz NOT NULL,
	PRIMARY KEY (run_id, identifier)
)`, s.table),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	run_id      text        PRIMARY KEY,
	version     integer     NOT NULL,
	total       integer     NOT NULL,
	attempts    integer     NOT NULL,
	seq         bigint      NOT NULL,
	last_flush  timestamptz NOT NULL
)`, s.runsTable()),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Load reads the run's cursor and results. A run with no cursor row loads
// as an empty checkpoint.
func (s *CheckpointStore) Load(ctx context.Context) (crawler.Checkpoint, error) {
	cp := crawler.NewCheckpoint(s.runID)

	query := fmt.Sprintf(`SELECT version, total, attempts, seq, last_flush FROM %s WHERE run_id = $1`, s.runsTable())
	var version int
	err := s.pool.QueryRow(ctx, query, s.runID).Scan(
		&version, &cp.Cursor.Total, &cp.Cursor.Attempts, &cp.Cursor.Seq, &cp.LastFlush,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return cp, nil
	}
	if err != nil {
		return crawler.Checkpoint{}, &crawler.CheckpointIOError{Op: "read", Err: fmt.Errorf("select run: %w", err)}
	}
	if version != crawler.CheckpointVersion {
		return crawler.Checkpoint{}, fmt.Errorf("run %s has version %d, want %d: %w",
			s.runID, version, crawler.CheckpointVersion, crawler.ErrVersionMismatch)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT payload FROM %s WHERE run_id = $1`, s.table), s.runID)
	if err != nil {
		return crawler.Checkpoint{}, &crawler.CheckpointIOError{Op: "read", Err: fmt.Errorf("select results: %w", err)}
	}
	defer rows.Close()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return crawler.Checkpoint{}, &crawler.CheckpointIOError{Op: "read", Err: fmt.Errorf("scan result: %w", err)}
		}
		var res crawler.FetchResult
		if err := json.Unmarshal(payload, &res); err != nil {
			return crawler.Checkpoint{}, &crawler.CheckpointIOError{Op: "decode", Err: err}
		}
		cp.Results[res.Identifier] = res
	}
	if err := rows.Err(); err != nil {
		return crawler.Checkpoint{}, &crawler.CheckpointIOError{Op: "read", Err: err}
	}
	return cp, nil
}

// Flush upserts results keyed by (run, identifier) and advances the run
// cursor. Nothing is visible unless the whole transaction commits.
func (s *CheckpointStore) Flush(ctx context.Context, results []crawler.FetchResult, cursor crawler.Cursor) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &crawler.CheckpointIOError{Op: "write", Err: fmt.Errorf("begin: %w", err)}
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	upsert := fmt.Sprintf(`INSERT INTO %s (run_id, identifier, status, amount_due, attempts, error_kind, payload, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (run_id, identifier) DO UPDATE SET
	status = EXCLUDED.status,
	amount_due = EXCLUDED.amount_due,
	attempts = EXCLUDED.attempts,
	error_kind = EXCLUDED.error_kind,
	payload = EXCLUDED.payload,
	fetched_at = EXCLUDED.fetched_at`, s.table)

	for _, res := range results {
		payload, marshalErr := json.Marshal(res)
		if marshalErr != nil {
			return &crawler.CheckpointIOError{Op: "encode", Err: marshalErr}
		}
		if _, err = tx.Exec(ctx, upsert,
			s.runID, res.Identifier, string(res.Status), res.AmountDue, res.Attempts, res.ErrorKind, payload, res.FetchedAt,
		); err != nil {
			return &crawler.CheckpointIOError{Op: "write", Err: fmt.Errorf("upsert %s: %w", res.Identifier, err)}
		}
	}

	runUpsert := fmt.Sprintf(`INSERT INTO %[1]s (run_id, version, total, attempts, seq, last_flush)
VALUES ($1, $2, $3, $4, 1, $5)
ON CONFLICT (run_id) DO UPDATE SET
	version = EXCLUDED.version,
	total = CASE WHEN EXCLUDED.total > 0 THEN EXCLUDED.total ELSE %[1]s.total END,
	attempts = GREATEST(%[1]s.attempts, EXCLUDED.attempts),
	seq = %[1]s.seq + 1,
	last_flush = EXCLUDED.last_flush`, s.runsTable())
	if _, err = tx.Exec(ctx, runUpsert,
		s.runID, crawler.CheckpointVersion, cursor.Total, cursor.Attempts, s.now().UTC(),
	); err != nil {
		return &crawler.CheckpointIOError{Op: "write", Err: fmt.Errorf("upsert run: %w", err)}
	}

	if err = tx.Commit(ctx); err != nil {
		return &crawler.CheckpointIOError{Op: "write", Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}
