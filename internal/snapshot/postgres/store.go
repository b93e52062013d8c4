// Package postgres provides a Postgres-backed snapshot store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/oddfrontier/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for snapshot rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store keeps one row per snapshot name, overwritten on every save.
type Store struct {
	pool  dbPool
	table string
	now   func() time.Time
}

// New creates a Postgres-backed snapshot store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
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
	return NewWithPool(pool, cfg.Table)
}

// NewWithPool constructs a store from an existing pool (primarily for
// testing).
func NewWithPool(pool dbPool, table string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "snapshots"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, table: table, now: time.Now}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Save upserts the blob for name and returns a pg:// reference.
func (s *Store) Save(ctx context.Context, name string, data []byte) (string, error) {
	if s == nil || s.pool == nil {
		return "", fmt.Errorf("snapshot store is not configured")
	}
	if name == "" {
		return "", fmt.Errorf("snapshot name is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (name, saved_at, data)
VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE SET saved_at = EXCLUDED.saved_at, data = EXCLUDED.data`, s.table)

	if _, err := s.pool.Exec(ctx, query, name, s.now().UTC(), data); err != nil {
		return "", fmt.Errorf("upsert snapshot: %w", err)
	}
	return fmt.Sprintf("pg://%s/%s", s.table, name), nil
}

// Load reads the blob for name; ErrSnapshotNotFound when no row exists.
func (s *Store) Load(ctx context.Context, name string) ([]byte, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("snapshot store is not configured")
	}
	query := fmt.Sprintf(`SELECT data FROM %s WHERE name = $1`, s.table)

	var data []byte
	err := s.pool.QueryRow(ctx, query, name).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", crawler.ErrSnapshotNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	return data, nil
}
