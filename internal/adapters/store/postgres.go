package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	createTableSQL = `CREATE TABLE IF NOT EXISTS feedback_kv (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	selectSQL = `SELECT value FROM feedback_kv WHERE key = $1`
	upsertSQL = `INSERT INTO feedback_kv (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	deleteSQL = `DELETE FROM feedback_kv WHERE key = $1`
)

// DB is the subset of *pgxpool.Pool used by Postgres.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres stores keys in the feedback_kv table.
type Postgres struct {
	db    DB
	close func()
}

// NewPostgres connects to dsn and ensures the table exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres store: empty dsn")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}
	p, err := NewPostgresWithDB(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	p.close = pool.Close
	return p, nil
}

// NewPostgresWithDB uses an existing connection and ensures the table exists.
func NewPostgresWithDB(ctx context.Context, db DB) (*Postgres, error) {
	if _, err := db.Exec(ctx, createTableSQL); err != nil {
		return nil, fmt.Errorf("postgres store: create table: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	if err := p.db.QueryRow(ctx, selectSQL, key).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("postgres store: get %s: %w", key, err)
	}
	return v, nil
}

func (p *Postgres) Set(ctx context.Context, key string, value []byte) error {
	if _, err := p.db.Exec(ctx, upsertSQL, key, value); err != nil {
		return fmt.Errorf("postgres store: set %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) Remove(ctx context.Context, key string) error {
	if _, err := p.db.Exec(ctx, deleteSQL, key); err != nil {
		return fmt.Errorf("postgres store: remove %s: %w", key, err)
	}
	return nil
}

// Close releases the pool if Postgres opened it.
func (p *Postgres) Close() error {
	if p.close != nil {
		p.close()
	}
	return nil
}
