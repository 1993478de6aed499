// Package postgres stores run params and points in Postgres tables.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/trainlog/internal/snapshot"
	"github.com/JakeFAU/trainlog/internal/tracking"
)

const (
	defaultTable = "run_metrics"
	pointColumns = 6
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for run rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Client writes points into <table> and params into <table>_params.
type Client struct {
	pool  execCloser
	table string
	run   tracking.Run
}

// New creates a Postgres-backed Client using the provided config.
func New(ctx context.Context, run tracking.Run, cfg Config) (*Client, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	c := &Client{pool: pool, table: table, run: run}
	if err := c.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

// NewWithPool constructs a client from an existing pool (primarily for testing).
func NewWithPool(pool execCloser, run tracking.Run, table string) (*Client, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Client{pool: pool, table: table, run: run}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// EnsureSchema creates the point and params tables when missing.
func (c *Client) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id TEXT NOT NULL,
	name TEXT NOT NULL,
	step BIGINT,
	value DOUBLE PRECISION,
	artifact TEXT,
	logged_at TIMESTAMPTZ NOT NULL
)`, c.table),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s_params (
	run_id TEXT NOT NULL,
	project TEXT NOT NULL,
	experiment TEXT NOT NULL,
	name TEXT NOT NULL,
	params JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, c.table),
	}
	for _, stmt := range statements {
		if _, err := c.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Params stores the snapshot as JSONB.
func (c *Client) Params(ctx context.Context, name string, params *snapshot.Snapshot) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s_params (run_id, project, experiment, name, params)
VALUES ($1,$2,$3,$4,$5)`, c.table)
	if _, err := c.pool.Exec(ctx, query, c.run.ID, c.run.Project, c.run.Name, name, payload); err != nil {
		return fmt.Errorf("insert params: %w", err)
	}
	return nil
}

// Write inserts the batch with one multi-row statement.
func (c *Client) Write(ctx context.Context, batch []tracking.Point) error {
	if len(batch) == 0 {
		return nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (run_id, name, step, value, artifact, logged_at) VALUES ", c.table)
	args := make([]any, 0, len(batch)*pointColumns)
	for i, p := range batch {
		if i > 0 {
			sb.WriteString(",")
		}
		base := i * pointColumns
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4, base+5, base+6)
		var artifact *string
		if p.Artifact != "" {
			a := p.Artifact
			artifact = &a
		}
		args = append(args, c.run.ID, p.Name, p.Step, p.Value, artifact, p.TS)
	}
	if _, err := c.pool.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert points: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (c *Client) Close(context.Context) error {
	if c == nil || c.pool == nil {
		return nil
	}
	c.pool.Close()
	return nil
}
