// Package postgres provides a PostgreSQL-backed [audit.Sink].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	q := audit.NewQueue(store, 0, onError)
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/audit"
)

var _ audit.Sink = (*Store)(nil)
var _ audit.Pinger = (*Store)(nil)

const ddlToolCalls = `
CREATE TABLE IF NOT EXISTS tool_calls (
    id           BIGSERIAL    PRIMARY KEY,
    received_at  TIMESTAMPTZ  NOT NULL,
    caller_id    TEXT         NOT NULL,
    tool         TEXT         NOT NULL,
    outcome      TEXT         NOT NULL,
    duration_ns  BIGINT       NOT NULL DEFAULT 0,
    message      TEXT         NOT NULL DEFAULT '',
    trace_id     TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tool_calls_caller_received
    ON tool_calls (caller_id, received_at);

CREATE INDEX IF NOT EXISTS idx_tool_calls_outcome
    ON tool_calls (outcome) WHERE outcome <> 'success';
`

// Migrate creates the audit table and indexes if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlToolCalls); err != nil {
		return fmt.Errorf("audit store: migrate: %w", err)
	}
	return nil
}

// Store writes audit records to the tool_calls table. All methods are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit store: parse dsn: %w", err)
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "diffusion-mcp"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("audit store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Write implements [audit.Sink].
func (s *Store) Write(ctx context.Context, rec audit.Record) error {
	const q = `
		INSERT INTO tool_calls
		    (received_at, caller_id, tool, outcome, duration_ns, message, trace_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, q,
		rec.Time,
		rec.CallerID,
		rec.Tool,
		rec.Outcome,
		rec.Duration.Nanoseconds(),
		rec.Message,
		rec.TraceID,
	)
	if err != nil {
		return fmt.Errorf("audit store: write: %w", err)
	}
	return nil
}

// Recent returns up to limit records for callerID, newest first. An empty
// callerID matches every caller.
func (s *Store) Recent(ctx context.Context, callerID string, limit int) ([]audit.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT received_at, caller_id, tool, outcome, duration_ns, message, trace_id
		FROM   tool_calls
		WHERE  $1 = '' OR caller_id = $1
		ORDER  BY received_at DESC, id DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, callerID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit store: recent: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (audit.Record, error) {
		var (
			r  audit.Record
			ns int64
		)
		err := row.Scan(&r.Time, &r.CallerID, &r.Tool, &r.Outcome, &ns, &r.Message, &r.TraceID)
		r.Duration = time.Duration(ns)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("audit store: recent: %w", err)
	}
	return recs, nil
}

// Ping implements [audit.Pinger].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [audit.Sink].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
