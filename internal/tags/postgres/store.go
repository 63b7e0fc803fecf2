// Package postgres provides a Postgres-backed tag store. The atomic
// claim is a conditional INSERT ... ON CONFLICT, so it holds across any
// number of worker processes sharing the database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stagecrawl/stagecrawl/internal/crawl"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool used for tags.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store keeps tags in a single keyed table.
type Store struct {
	pool  querier
	table string
}

// New connects a pool and returns a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("tags dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "tags"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
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
	return &Store{pool: pool, table: table}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewWithPool(pool querier, table string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "tags"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, table: table}, nil
}

// EnsureSchema creates the tag table when it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	value BYTEA,
	expires_at TIMESTAMPTZ
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("%w: create tag table: %v", crawl.ErrStoreUnavailable, err)
	}
	return nil
}

// Exists reports whether a live tag row is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	query := fmt.Sprintf(
		`SELECT EXISTS (SELECT 1 FROM %s WHERE key = $1 AND (expires_at IS NULL OR expires_at > now()))`,
		s.table,
	)
	var exists bool
	if err := s.pool.QueryRow(ctx, query, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("%w: exists: %v", crawl.ErrStoreUnavailable, err)
	}
	return exists, nil
}

// Get returns a live tag value.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	query := fmt.Sprintf(
		`SELECT value FROM %s WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		s.table,
	)
	var value []byte
	err := s.pool.QueryRow(ctx, query, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: get: %v", crawl.ErrStoreUnavailable, err)
	}
	return value, true, nil
}

// Put upserts a tag row.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	query := fmt.Sprintf(`
INSERT INTO %s (key, value, expires_at) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		s.table,
	)
	if _, err := s.pool.Exec(ctx, query, key, value, expiresAt(ttl)); err != nil {
		return fmt.Errorf("%w: put: %v", crawl.ErrStoreUnavailable, err)
	}
	return nil
}

// PutIfAbsent claims the key atomically. The ON CONFLICT update only
// fires for expired rows, so exactly one concurrent caller observes an
// affected row.
func (s *Store) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (key, value, expires_at) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
WHERE %s.expires_at IS NOT NULL AND %s.expires_at <= now()`,
		s.table, s.table, s.table,
	)
	tag, err := s.pool.Exec(ctx, query, key, value, expiresAt(ttl))
	if err != nil {
		return false, fmt.Errorf("%w: put-if-absent: %v", crawl.ErrStoreUnavailable, err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeletePrefix removes every row under the prefix before returning.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key LIKE $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, likePattern(prefix)); err != nil {
		return fmt.Errorf("%w: delete-prefix: %v", crawl.ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func expiresAt(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := time.Now().UTC().Add(ttl)
	return &t
}

func likePattern(prefix string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return escaped + "%"
}
