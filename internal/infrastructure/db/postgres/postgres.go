// Package postgres stores users and audit rows in PostgreSQL through a pgx
// connection pool.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultTimeout = 10 * time.Second

// Config captures the settings needed to open the pool.
type Config struct {
	DSN      string
	MaxConns int32
	Timeout  time.Duration
}

// DB is the subset of *pgxpool.Pool the repositories use.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Connect opens a pool, verifies it with a ping and creates the schema.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if err := EnsureSchema(connectCtx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id              TEXT PRIMARY KEY,
		username        TEXT NOT NULL UNIQUE,
		email           TEXT NOT NULL UNIQUE,
		password_digest TEXT NOT NULL,
		role            TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		logged_in       BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS licenses (
		user_id TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		tier    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS http_access (
		id        BIGSERIAL PRIMARY KEY,
		ts        TIMESTAMPTZ NOT NULL,
		peer_ip   TEXT NOT NULL,
		hostname  TEXT NOT NULL,
		operation TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS execution_audit (
		run_id             TEXT NOT NULL,
		execution_id       BIGINT NOT NULL,
		msg_id             TEXT NOT NULL,
		msg_code           TEXT NOT NULL,
		user_id            TEXT NOT NULL,
		module_id          BIGINT NOT NULL,
		module_instance_id BIGINT NOT NULL,
		start_time         TIMESTAMPTZ NOT NULL,
		stop_time          TIMESTAMPTZ,
		status             TEXT NOT NULL,
		complete_flag      BOOLEAN NOT NULL,
		cancel_reason      TEXT NOT NULL DEFAULT '',
		expiration_time    TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (run_id, execution_id)
	)`,
}

// EnsureSchema creates the tables when they do not exist.
func EnsureSchema(ctx context.Context, db DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
	}
	return nil
}
