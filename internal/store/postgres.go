// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
)

const (
	selectValueSQL = `SELECT value FROM trinity_kv WHERE key = $1`
	upsertValueSQL = `INSERT INTO trinity_kv (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	deleteValueSQL = `DELETE FROM trinity_kv WHERE key = $1`
)

// pgxPool is the subset of pgxpool.Pool the store uses.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore keeps keys in the trinity_kv table.
type PostgresStore struct {
	pool pgxPool
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres migrates the schema and connects a pool to dsn.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	migrator, err := NewMigrator(dsn)
	if err != nil {
		return nil, err
	}
	upErr := migrator.Up()
	if closeErr := migrator.Close(); closeErr != nil && upErr == nil {
		upErr = closeErr
	}
	if upErr != nil {
		return nil, oops.In("store").Code(CodeOpenFailed).Hint("failed to migrate trinity_kv").Wrap(upErr)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.In("store").Code(CodeOpenFailed).Hint("failed to connect to database").Wrap(err)
	}
	return newPostgresStore(pool), nil
}

func newPostgresStore(pool pgxPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, selectValueSQL, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, pgFailure(CodeReadFailed, key, err)
	}
	return value, true, nil
}

// Set implements Store.
func (s *PostgresStore) Set(ctx context.Context, key, value string) error {
	if _, err := s.pool.Exec(ctx, upsertValueSQL, key, value); err != nil {
		return pgFailure(CodeWriteFailed, key, err)
	}
	return nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, deleteValueSQL, key); err != nil {
		return pgFailure(CodeWriteFailed, key, err)
	}
	return nil
}

// pgFailure wraps a query error. A missing table means the schema was rolled
// back underneath a running bot and gets its own code.
func pgFailure(code, key string, err error) error {
	builder := oops.In("store").With("key", key)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		builder = builder.With("sqlstate", pgErr.Code)
		switch pgErr.Code {
		case pgerrcode.UndefinedTable:
			return builder.Code(CodeSchemaMissing).
				Hint("run 'trinity migrate up' to recreate trinity_kv").
				Wrap(err)
		case pgerrcode.InsufficientPrivilege:
			builder = builder.Hint("the database role needs SELECT, INSERT, UPDATE and DELETE on trinity_kv")
		}
	}
	return builder.Code(code).Wrap(err)
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
